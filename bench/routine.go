// Package bench drives the timed loops that measure shmem primitives.
package bench

import (
	"fmt"
	"strings"
)

// Routine selects the primitive under test.
type Routine int

const (
	Get Routine = iota + 1
	Put
	AtomicAdd
	AtomicCmpSwp
	AtomicFetch
	AtomicInc
	Barrier
	AtomicSwap
	AtomicSet
	GetNBI
	PutNBI
	AtomicFetchNBI
	Broadcast
	FCollect
	AllToAll
)

var routineNames = map[Routine]string{
	Get:          "Get",
	Put:          "Put",
	AtomicAdd:    "AtomicAdd",
	AtomicCmpSwp: "AtomicCmpSwp",
	AtomicFetch:  "AtomicFetch",
	AtomicInc:    "AtomicInc",
	Barrier:      "Barrier",
	AtomicSwap:   "AtomicSwap",
	AtomicSet:    "AtomicSet",

	GetNBI:         "GetNBI",
	PutNBI:         "PutNBI",
	AtomicFetchNBI: "AtomicFetchNBI",
	Broadcast:      "Broadcast",
	FCollect:       "FCollect",
	AllToAll:       "AllToAll",
}

// routineAliases maps normalized long-form names to routines.
var routineAliases = map[string]Routine{
	"atomiccompareswap": AtomicCmpSwp,
	"atomicincrement":   AtomicInc,
}

// opNames is the noun used in "avg time per <op>" report lines.
var opNames = map[Routine]string{
	AtomicAdd:    "add",
	AtomicCmpSwp: "compare+swap",
	AtomicFetch:  "fetch",
	AtomicInc:    "increment",
	Barrier:      "barrier",
	AtomicSwap:   "swap",
	AtomicSet:    "set",

	AtomicFetchNBI: "non-blocking fetch",
}

// Routines returns every known routine in declaration order.
func Routines() []Routine {
	return []Routine{
		Get, Put, AtomicAdd, AtomicCmpSwp, AtomicFetch,
		AtomicInc, Barrier, AtomicSwap, AtomicSet,
		GetNBI, PutNBI, AtomicFetchNBI, Broadcast, FCollect, AllToAll,
	}
}

func (r Routine) String() string {
	if name, ok := routineNames[r]; ok {
		return name
	}

	return fmt.Sprintf("Routine(%d)", int(r))
}

// UsesMsgSize reports whether the routine sweeps message sizes.
func (r Routine) UsesMsgSize() bool {
	switch r {
	case Get, Put, GetNBI, PutNBI, Broadcast, FCollect, AllToAll:
		return true
	default:
		return false
	}
}

// PointToPoint reports whether the routine moves data between two PEs, as
// opposed to an atomic, a barrier or a collective.
func (r Routine) PointToPoint() bool {
	switch r {
	case Get, Put, GetNBI, PutNBI:
		return true
	default:
		return false
	}
}

// OpName returns the per-operation noun for scalar routines.
func (r Routine) OpName() string {
	if name, ok := opNames[r]; ok {
		return name
	}

	return strings.ToLower(r.String())
}

// ParseRoutine accepts the canonical name ("AtomicCmpSwp"), the dashed
// form ("atomic-cmp-swp") or a long form ("AtomicCompareSwap",
// "AtomicIncrement"), case insensitively.
func ParseRoutine(s string) (Routine, error) {
	key := normalize(s)

	if r, ok := routineAliases[key]; ok {
		return r, nil
	}

	for _, r := range Routines() {
		if normalize(r.String()) == key {
			return r, nil
		}
	}

	names := make([]string, 0, len(routineNames))
	for _, r := range Routines() {
		names = append(names, r.String())
	}

	return 0, fmt.Errorf("unknown routine %q (choose from %s)",
		s, strings.Join(names, ", "))
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	return strings.NewReplacer("-", "", "_", "").Replace(s)
}
