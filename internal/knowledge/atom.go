// Package knowledge implements the node's semantic atom graph: a name-keyed
// store of atoms carrying a truth value and a confidence, combined by
// confidence-weighted blending on every update.
package knowledge

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an atom.
type Kind uint8

const (
	KindNode Kind = iota
	KindLink
	KindConcept
	KindPredicate
	KindEvaluation
)

var kindNames = [...]string{"node", "link", "concept", "predicate", "evaluation"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool { return int(k) < len(kindNames) }

// ParseKind maps a kind name back to its value.
func ParseKind(s string) (Kind, error) {
	for i, n := range kindNames {
		if strings.EqualFold(s, n) {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown atom kind %q", s)
}

// ErrNameTooLong is returned when an atom name exceeds the configured bound.
var ErrNameTooLong = errors.New("atom name too long")

// ErrEmptyName is returned for the empty atom name.
var ErrEmptyName = errors.New("atom name is empty")

// Atom is a value snapshot of one knowledge unit. Outgoing holds the ids of
// linked atoms in insertion order.
type Atom struct {
	ID          uint64
	Kind        Kind
	Name        string
	Truth       float64
	Confidence  float64
	Importance  float64
	LastUpdated time.Time
	Outgoing    []uint64
}

func (a Atom) clone() Atom {
	if a.Outgoing != nil {
		a.Outgoing = append([]uint64(nil), a.Outgoing...)
	}
	return a
}

// Blend combines a prior (truth, conf) with an observation (newTruth, newConf).
// Truth is the confidence-weighted mean; confidence is the clamped average.
// When both confidences are zero the prior truth is kept.
func Blend(truth, conf, newTruth, newConf float64) (float64, float64) {
	total := conf + newConf
	if total > 0 {
		truth = (truth*conf + newTruth*newConf) / total
	}
	return clampUnit(truth), clampUnit(total / 2)
}

func clampUnit(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
