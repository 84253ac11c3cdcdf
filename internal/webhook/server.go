// Package webhook receives GitHub push-style notifications so feedback
// arrives without polling. Deliveries are authenticated with the shared
// HMAC secret, filtered by a repository allow-list, and handed to a
// callback as typed events.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
)

// Event is one accepted delivery, flattened to the fields consumers
// act on.
type Event struct {
	Type      string // X-GitHub-Event header value
	Action    string
	Repo      string // owner/name
	IssueURL  string
	PRURL     string
	Branch    string // head ref, pull_request events only
	Merged    bool
	Sender    string
	CommentID int64
}

// Options configure the receiver.
type Options struct {
	Port         int
	Secret       string   // empty disables signature checks
	AllowedRepos []string // empty allows all
}

// Server is the webhook HTTP endpoint.
type Server struct {
	echo    *echo.Echo
	opts    Options
	handler func(Event)
	logger  *logrus.Entry
}

// New builds the server. handler is invoked once per accepted delivery,
// on its own goroutine so slow consumers never block the response.
func New(opts Options, handler func(Event), logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("2M"))

	s := &Server{echo: e, opts: opts, handler: handler, logger: logger}
	e.POST("/", s.receive)
	e.POST("/webhook", s.receive)
	e.GET("/health", s.health)
	return s
}

// Start listens on the configured port until Shutdown.
func (s *Server) Start() error {
	err := s.echo.Start(fmt.Sprintf(":%d", s.opts.Port))
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener, draining in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying mux for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// payload covers the subset of the delivery body shared by the event
// types we act on.
type payload struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Issue struct {
		HTMLURL     string `json:"html_url"`
		PullRequest *struct {
			HTMLURL string `json:"html_url"`
		} `json:"pull_request"`
	} `json:"issue"`
	PullRequest struct {
		HTMLURL string `json:"html_url"`
		Merged  bool   `json:"merged"`
		Head    struct {
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request"`
	Comment struct {
		ID int64 `json:"id"`
	} `json:"comment"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

func (s *Server) receive(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable body"})
	}

	if s.opts.Secret != "" {
		sig := c.Request().Header.Get("X-Hub-Signature-256")
		if !verifySignature(s.opts.Secret, body, sig) {
			s.logger.WithField("remote", c.RealIP()).Warn("webhook signature rejected")
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		}
	}

	eventType := c.Request().Header.Get("X-GitHub-Event")
	if eventType == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing event type"})
	}
	if eventType == "ping" {
		return c.JSON(http.StatusOK, map[string]string{"status": "pong"})
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed payload"})
	}

	if !s.repoAllowed(p.Repository.FullName) {
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}

	ev := Event{
		Type:      eventType,
		Action:    p.Action,
		Repo:      p.Repository.FullName,
		IssueURL:  p.Issue.HTMLURL,
		PRURL:     p.PullRequest.HTMLURL,
		Branch:    p.PullRequest.Head.Ref,
		Merged:    p.PullRequest.Merged,
		Sender:    p.Sender.Login,
		CommentID: p.Comment.ID,
	}
	// Comments on a PR arrive as issue_comment with a pull_request stub.
	if ev.PRURL == "" && p.Issue.PullRequest != nil {
		ev.PRURL = p.Issue.PullRequest.HTMLURL
	}

	s.logger.WithFields(logrus.Fields{
		"event":  ev.Type,
		"action": ev.Action,
		"repo":   ev.Repo,
	}).Info("webhook delivery accepted")

	if s.handler != nil {
		go s.handler(ev)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) repoAllowed(repo string) bool {
	if len(s.opts.AllowedRepos) == 0 {
		return true
	}
	for _, allowed := range s.opts.AllowedRepos {
		if strings.EqualFold(allowed, repo) {
			return true
		}
	}
	return false
}

// verifySignature checks the sha256= HMAC header in constant time.
func verifySignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
