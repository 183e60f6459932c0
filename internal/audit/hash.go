package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrChainBroken is returned by VerifyChain when an entry's PreviousHash does
// not match the hash of the entry before it.
var ErrChainBroken = errors.New("audit hash chain broken")

// ComputeHash returns the hex SHA-256 of an entry's content including its
// own PreviousHash, so each link commits to the whole history.
func ComputeHash(e *Entry) string {
	fields := []string{
		e.ID,
		e.Actor,
		e.Action,
		e.TargetEmail,
		e.CaseID,
		e.Result,
		string(e.Request),
		string(e.Response),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.PreviousHash,
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks entries ordered oldest first.
func VerifyChain(entries []*Entry) error {
	prev := ""
	for i, e := range entries {
		if e.PreviousHash != prev {
			return fmt.Errorf("%w at entry %d (%s)", ErrChainBroken, i, e.ID)
		}
		prev = ComputeHash(e)
	}
	return nil
}
