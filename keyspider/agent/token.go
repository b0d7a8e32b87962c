package agent

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/keyspider/go-api/keyspider"
	"github.com/keyspider/go-api/keyspider/fingerprint"
	"github.com/keyspider/go-api/keyspider/postgres/models"
)

// GenerateToken creates a cryptographically random bearer token for an
// agent: 32 random bytes hex-encoded (64 characters). The caller hands
// the token to the agent; only its hash is stored.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate agent token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashToken returns the SHA256 hex digest stored server-side.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// EnrollAgent issues a token for a server and persists its hash,
// replacing any previous enrolment. The plaintext token is returned
// exactly once.
func EnrollAgent(db *gorm.DB, serverID uint) (string, error) {
	token, err := GenerateToken()
	if err != nil {
		return "", err
	}

	var agent models.AgentStatus
	err = db.Where("server_id = ?", serverID).First(&agent).Error
	if err == gorm.ErrRecordNotFound {
		agent = models.AgentStatus{
			ServerID:         serverID,
			TokenHash:        HashToken(token),
			DeploymentStatus: "pending",
		}
		if err := db.Create(&agent).Error; err != nil {
			return "", fmt.Errorf("failed to enrol agent: %w", err)
		}
		return token, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query agent status: %w", err)
	}

	if err := db.Model(&agent).Update("token_hash", HashToken(token)).Error; err != nil {
		return "", fmt.Errorf("failed to rotate agent token: %w", err)
	}
	return token, nil
}

// discoveredFromPayload validates and converts an agent key sighting.
// A location whose public key data does not parse is rejected; this
// includes private identity files reported without key data.
func discoveredFromPayload(item KeyLocationPayload) (keyspider.DiscoveredKey, bool) {
	if item.FilePath == "" || !validFileType(item.FileType) {
		return keyspider.DiscoveredKey{}, false
	}

	dk := keyspider.DiscoveredKey{
		FilePath:  item.FilePath,
		FileType:  item.FileType,
		UnixOwner: item.UnixOwner,
		UnixPerms: item.UnixPerms,
		FileSize:  item.FileSize,
		IsHostKey: item.IsHostKey,
	}
	if item.FileMtime != "" {
		if mt, err := time.Parse(time.RFC3339, item.FileMtime); err == nil {
			dk.FileMtime = mt.UTC()
		}
	}

	pk, err := fingerprint.Parse(strings.TrimSpace(item.PublicKeyData))
	if err != nil {
		return keyspider.DiscoveredKey{}, false
	}

	dk.FingerprintSHA256 = fingerprint.SHA256Fingerprint(pk.Body)
	dk.FingerprintMD5 = fingerprint.MD5Fingerprint(pk.Body)
	dk.KeyType = pk.Type
	dk.KeyBits = pk.Bits
	dk.PublicKeyData = pk.Wire + " " + pk.Base64
	dk.Comment = pk.Comment
	return dk, true
}

func validFileType(t string) bool {
	switch t {
	case keyspider.FileTypeAuthorizedKeys, keyspider.FileTypeIdentity, keyspider.FileTypeHostKey:
		return true
	}
	return false
}
