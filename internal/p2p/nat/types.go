package nat

import (
	"net"
	"sort"
	"time"
)

// Type classifies the NAT in front of a peer.
type Type string

const (
	TypeOpen               Type = "open"
	TypeFullCone           Type = "full_cone"
	TypeRestrictedCone     Type = "restricted_cone"
	TypePortRestrictedCone Type = "port_restricted_cone"
	TypeSymmetric          Type = "symmetric"
	TypeUnknown            Type = "unknown"
)

// Strategy is the traversal approach recommended for a NAT type.
type Strategy string

const (
	StrategyDirectUDP        Strategy = "direct_udp"
	StrategySimultaneousOpen Strategy = "simultaneous_open"
	StrategyRelay            Strategy = "relay"
	StrategyAdaptive         Strategy = "adaptive"
)

// SupportsP2P reports whether a direct connection is likely to succeed.
func (t Type) SupportsP2P() bool {
	switch t {
	case TypeOpen, TypeFullCone, TypeRestrictedCone:
		return true
	default:
		return false
	}
}

// Difficulty scores hole punching from 0 (trivial) to 100 (unknown).
func (t Type) Difficulty() int {
	switch t {
	case TypeOpen:
		return 0
	case TypeFullCone:
		return 20
	case TypeRestrictedCone:
		return 40
	case TypePortRestrictedCone:
		return 70
	case TypeSymmetric:
		return 95
	default:
		return 100
	}
}

func (t Type) Strategy() Strategy {
	switch t {
	case TypeOpen, TypeFullCone:
		return StrategyDirectUDP
	case TypeRestrictedCone, TypePortRestrictedCone:
		return StrategySimultaneousOpen
	case TypeSymmetric:
		return StrategyRelay
	default:
		return StrategyAdaptive
	}
}

// ShouldUseRelay is true when both sides are symmetric or the combined
// difficulty makes punching unlikely to pay off.
func ShouldUseRelay(local, remote Type) bool {
	if local == TypeSymmetric && remote == TypeSymmetric {
		return true
	}
	return local.Difficulty()+remote.Difficulty() > 150
}

type CandidateType string

const (
	CandidateHost            CandidateType = "host"
	CandidateServerReflexive CandidateType = "srflx"
	CandidateRelay           CandidateType = "relay"
)

// Candidate is one address a peer can be reached on.
type Candidate struct {
	Addr     *net.UDPAddr
	Proto    string
	Priority uint32
	Type     CandidateType
}

// Pair is a local/remote candidate combination worth trying.
type Pair struct {
	Local  Candidate
	Remote Candidate
}

func (p Pair) priority() uint64 {
	return uint64(p.Local.Priority) * uint64(p.Remote.Priority)
}

// SelectPairs returns compatible pairs ordered by combined priority. When
// both sides are symmetric only pairs involving a relay candidate remain.
func SelectPairs(localNAT, remoteNAT Type, local, remote []Candidate) []Pair {
	var pairs []Pair
	for _, l := range local {
		for _, r := range remote {
			if l.Proto != r.Proto {
				continue
			}
			if localNAT == TypeSymmetric && remoteNAT == TypeSymmetric &&
				l.Type != CandidateRelay && r.Type != CandidateRelay {
				continue
			}
			pairs = append(pairs, Pair{Local: l, Remote: r})
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].priority() > pairs[j].priority() })
	return pairs
}

// Observer receives traversal outcomes, typically for metrics.
type Observer interface {
	NATDetected(t Type)
	HolePunch(t Type, success bool, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) NATDetected(Type)                    {}
func (nopObserver) HolePunch(Type, bool, time.Duration) {}
