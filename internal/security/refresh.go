package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const refreshTokenBytes = 32

// GenerateRefreshToken возвращает случайное значение для клиента и его хэш для БД
func GenerateRefreshToken() (string, string, error) {
	tokenBytes := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", "", fmt.Errorf("ошибка генерации: %w", err)
	}

	// refreshToken отдается клиенту
	// hash сохраняется в БД
	refreshToken := base64.RawURLEncoding.EncodeToString(tokenBytes)
	return refreshToken, HashRefreshToken(refreshToken), nil
}

// HashRefreshToken SHA-256 от значения токена, ключ поиска в БД
func HashRefreshToken(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:])
}
