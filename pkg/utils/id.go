package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

var idCounter uint64

// GenerateSessionID generates an id for one master session with a timestamp prefix
func GenerateSessionID() string {
	timestamp := time.Now().Format("20060102-150405")
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		count := atomic.AddUint64(&idCounter, 1)
		return fmt.Sprintf("sqp-%s-%x", timestamp, count)
	}
	return fmt.Sprintf("sqp-%s-%s", timestamp, hex.EncodeToString(b))
}
