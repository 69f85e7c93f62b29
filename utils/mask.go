package utils

import (
	"fmt"
	"strings"
)

// MaskHalfInt64 прячет вторую половину идентификатора в логах
func MaskHalfInt64(id int64) string {
	s := fmt.Sprintf("%d", id)
	if len(s) <= 2 {
		return "**"
	}
	half := len(s) / 2
	return s[:half] + strings.Repeat("*", len(s)-half)
}

// MaskContact прячет середину email/телефона в логах
func MaskContact(contact string) string {
	if contact == "" {
		return "?"
	}
	if len(contact) <= 4 {
		return "****"
	}
	return contact[:2] + "***" + contact[len(contact)-2:]
}
