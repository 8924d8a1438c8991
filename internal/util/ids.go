package util

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	nanoidLength   = 21
	nanoidAlphabet = "_-0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// NewJobID returns a fresh URL-safe job id.
func NewJobID() (string, error) {
	return gonanoid.New()
}

// NewDatasetID derives a dataset id for a job and dataset kind.
func NewDatasetID(jobID, kind string) (string, error) {
	suffix, err := gonanoid.Generate(nanoidAlphabet[2:], 8)
	if err != nil {
		return "", err
	}
	return kind + "-" + jobID + "-" + suffix, nil
}

// IsNanoid reports whether s has the shape of a default nanoid.
func IsNanoid(s string) bool {
	if len(s) != nanoidLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}
