// Package ids generates the opaque record identifiers used across the table.
package ids

import (
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Prefixes per collection.
const (
	StudyRequest = "SOL"
	Patient      = "PAC"
	Doctor       = "DOC"
	Payment      = "PAG"
)

const suffixLen = 9

// Generator produces ids of the form "<PREFIX>-<unixMillis>-<9 base36 chars>".
type Generator struct {
	now func() time.Time
}

// NewGenerator returns a generator reading the given clock; nil means time.Now.
func NewGenerator(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{now: now}
}

// New returns a fresh id with the given prefix.
func (g *Generator) New(prefix string) string {
	return prefix + "-" + strconv.FormatInt(g.now().UnixMilli(), 10) + "-" + randomSuffix()
}

// New is Generator.New on the wall clock.
func New(prefix string) string {
	return NewGenerator(nil).New(prefix)
}

func randomSuffix() string {
	u := uuid.New()
	s := new(big.Int).SetBytes(u[:]).Text(36)
	if len(s) < suffixLen {
		s = strings.Repeat("0", suffixLen-len(s)) + s
	}
	return s[len(s)-suffixLen:]
}
