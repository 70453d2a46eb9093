package session

import (
	"crypto/rand"
	"math/big"
)

const (
	passcodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	passcodeLength   = 6
)

// PasscodeFunc produces candidate passcodes.
type PasscodeFunc func() (string, error)

// RandomPasscode draws a 6 character code from A-Z0-9 using crypto/rand.
func RandomPasscode() (string, error) {
	max := big.NewInt(int64(len(passcodeAlphabet)))
	buf := make([]byte, passcodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = passcodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
