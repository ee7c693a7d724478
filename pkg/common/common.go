package common

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
)

const (
	ENABLED  = "enabled"
	DISABLED = "disabled"
)

var (
	snowflakeNode *snowflake.Node
	snowflakeOnce sync.Once
)

// UUIDint64 returns a cluster-unique int64 id.
func UUIDint64() int64 {
	snowflakeOnce.Do(func() {
		node, err := snowflake.NewNode(1)
		if err != nil {
			panic(err)
		}
		snowflakeNode = node
	})
	return snowflakeNode.Generate().Int64()
}

// UUID returns a cluster-unique id string.
func UUID() string {
	snowflakeOnce.Do(func() {
		node, err := snowflake.NewNode(1)
		if err != nil {
			panic(err)
		}
		snowflakeNode = node
	})
	return snowflakeNode.Generate().String()
}

// GetSecretSalt reads the password salt from the environment, with a
// stable default for development setups.
func GetSecretSalt() string {
	salt := os.Getenv("ZAPGATE_SECRET_SALT")
	if salt == "" {
		salt = "zapgate-default-salt"
	}
	return salt
}

// Sha256HashWithSalt hashes value+salt and returns the hex digest.
func Sha256HashWithSalt(value string, salt string) string {
	sum := sha256.Sum256([]byte(value + salt))
	return hex.EncodeToString(sum[:])
}

// InSlice reports whether v is present in list (case-insensitive).
func InSlice(v string, list []string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
