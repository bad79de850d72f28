// Package admin holds operator-only credit operations and the allow-list that
// guards them.
package admin

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrValidation    = errors.New("validation error")
	ErrInvalidConfig = errors.New("invalid admin config")
)

// Policy is the operator allow-list. The zero value denies everyone.
type Policy struct {
	operators map[string]struct{}
}

// NewPolicy builds a Policy from configured operator user ids. Blank entries are ignored.
func NewPolicy(operatorIDs []string) Policy {
	operators := make(map[string]struct{}, len(operatorIDs))
	for _, operatorID := range operatorIDs {
		trimmed := strings.TrimSpace(operatorID)
		if trimmed == "" {
			continue
		}
		operators[trimmed] = struct{}{}
	}
	return Policy{operators: operators}
}

// IsOperator reports whether the user id is allow-listed.
func (policy Policy) IsOperator(userID string) bool {
	_, allowed := policy.operators[strings.TrimSpace(userID)]
	return allowed
}

// Authorize fails with ErrUnauthorized for an empty identity and ErrForbidden
// for anyone not on the list.
func (policy Policy) Authorize(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrUnauthorized
	}
	if !policy.IsOperator(userID) {
		return ErrForbidden
	}
	return nil
}

// Operators returns the allow-listed ids in sorted order.
func (policy Policy) Operators() []string {
	operators := make([]string, 0, len(policy.operators))
	for operatorID := range policy.operators {
		operators = append(operators, operatorID)
	}
	sort.Strings(operators)
	return operators
}
