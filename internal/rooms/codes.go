package rooms

import (
	"crypto/rand"
	"math/big"
)

// alphabet holds the upper-case hex digits room codes are drawn from.
const alphabet = "ABCDEF0123456789"

const codeLength = 5

// GenerateCode returns a random room code of the standard length.
func GenerateCode() (string, error) {
	return generateCode(codeLength)
}

func generateCode(length int) (string, error) {
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", err
		}
		code[i] = alphabet[n.Int64()]
	}
	return string(code), nil
}
