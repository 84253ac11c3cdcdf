// Package security holds admission authorization checks.
package security

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// IsAuthorized checks if an issue author is in the allowed list.
// An empty list authorizes everyone.
func IsAuthorized(allowedAuthors []string, username string, logger *logrus.Entry) bool {
	if len(allowedAuthors) == 0 {
		return true
	}
	for _, u := range allowedAuthors {
		if strings.EqualFold(u, username) {
			return true
		}
	}
	if logger != nil {
		logger.WithField("user", username).Warn("issue author not in allowed_authors, skipping")
	}
	return false
}
