package util

import (
	"context"
	"crypto/rand"
	"math/big"

	"burnbin/pkg/domain"

	"github.com/pkg/errors"
)

const (
	base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	idRetries   = 5
)

// GenID draws 64 random bits, renders them as a fixed-width base62 string and
// asks exists whether the id is already taken.
func GenID(ctx context.Context, exists func(context.Context, string) (bool, error)) (string, error) {
	for retry := 0; retry < idRetries; retry++ {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		id := toBase62(new(big.Int).SetBytes(buf))
		taken, err := exists(ctx, id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", errors.Wrapf(domain.ErrIDGenerationFailed, "collision after %d retries", idRetries)
}

func toBase62(num *big.Int) string {
	base := big.NewInt(62)
	mod := new(big.Int)
	temp := new(big.Int).Set(num)
	result := make([]byte, 0, domain.IDLength)
	for temp.Sign() > 0 {
		temp.DivMod(temp, base, mod)
		result = append(result, base62Chars[mod.Int64()])
	}
	for len(result) < domain.IDLength {
		result = append(result, base62Chars[0])
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return string(result)
}
