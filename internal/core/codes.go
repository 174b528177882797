package core

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	defaultCodeDigits = 4
	maxCodeDigits     = 12
	maxCodeAttempts   = 32
)

type codeSource func(space int64) (int64, error)

func randomCode(space int64) (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(space))
	if err != nil {
		return 0, err
	}
	return n.Int64(), nil
}

func codeSpace(digits int) int64 {
	space := int64(1)
	for i := 0; i < digits; i++ {
		space *= 10
	}
	return space
}

func formatCode(n int64, digits int) string {
	return fmt.Sprintf("%0*d", digits, n)
}

// nextCode returns a code no Pending job holds. Caller must hold r.mu.
func (r *Registry) nextCode() (string, error) {
	space := codeSpace(r.codeDigits)
	if int64(len(r.byCode)) >= space {
		return "", ErrCodeSpaceExhausted
	}

	for i := 0; i < maxCodeAttempts; i++ {
		n, err := r.codeSource(space)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		code := formatCode(n, r.codeDigits)
		if _, taken := r.byCode[code]; !taken {
			return code, nil
		}
	}

	// Crowded code space: walk forward from a random offset to the first free code.
	start, err := r.codeSource(space)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	for i := int64(0); i < space; i++ {
		code := formatCode((start+i)%space, r.codeDigits)
		if _, taken := r.byCode[code]; !taken {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}
