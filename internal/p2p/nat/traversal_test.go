package nat

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/stun"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startSTUN runs a binding responder on loopback. mapping rewrites the
// address reported back to the client.
func startSTUN(t *testing.T, mapping func(*net.UDPAddr) *net.UDPAddr) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			reported := mapping(from)
			res, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: reported.IP, Port: reported.Port},
				stun.Fingerprint,
			)
			if err != nil {
				continue
			}
			_, _ = conn.WriteToUDP(res.Raw, from)
		}
	}()
	return conn.LocalAddr().String()
}

func identity(a *net.UDPAddr) *net.UDPAddr { return a }

type recordingObserver struct {
	mu       sync.Mutex
	detected []Type
	punches  []bool
}

func (r *recordingObserver) NATDetected(t Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detected = append(r.detected, t)
}

func (r *recordingObserver) HolePunch(_ Type, success bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.punches = append(r.punches, success)
}

func TestDiscoverReportsMappedAddress(t *testing.T) {
	server := startSTUN(t, func(a *net.UDPAddr) *net.UDPAddr {
		return &net.UDPAddr{IP: net.IPv4(203, 0, 113, 9), Port: 40000}
	})
	tr := New(Config{STUNServers: []string{server}, ProbeTimeout: 2 * time.Second}, zerolog.Nop(), nil)

	addr, err := tr.PublicAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9:40000", addr.String())
}

func TestDiscoverTimesOut(t *testing.T) {
	silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer silent.Close()

	tr := New(Config{STUNServers: []string{silent.LocalAddr().String()}, ProbeTimeout: 100 * time.Millisecond}, zerolog.Nop(), nil)
	_, err = tr.PublicAddress(context.Background())
	require.Error(t, err)
	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	assert.True(t, nerr.Timeout())
}

func TestDetectType(t *testing.T) {
	t.Run("open", func(t *testing.T) {
		obs := &recordingObserver{}
		tr := New(Config{STUNServers: []string{startSTUN(t, identity)}, ProbeTimeout: 2 * time.Second}, zerolog.Nop(), obs)
		typ, addr, err := tr.DetectType(context.Background())
		require.NoError(t, err)
		assert.Equal(t, TypeOpen, typ)
		assert.True(t, addr.IP.IsLoopback())
		assert.Equal(t, []Type{TypeOpen}, obs.detected)
	})

	t.Run("consistent mapping", func(t *testing.T) {
		fixed := func(*net.UDPAddr) *net.UDPAddr { return &net.UDPAddr{IP: net.IPv4(203, 0, 113, 9), Port: 40000} }
		tr := New(Config{STUNServers: []string{startSTUN(t, fixed), startSTUN(t, fixed)}, ProbeTimeout: 2 * time.Second}, zerolog.Nop(), nil)
		typ, _, err := tr.DetectType(context.Background())
		require.NoError(t, err)
		assert.Equal(t, TypeRestrictedCone, typ)
	})

	t.Run("symmetric", func(t *testing.T) {
		a := func(*net.UDPAddr) *net.UDPAddr { return &net.UDPAddr{IP: net.IPv4(203, 0, 113, 9), Port: 40000} }
		b := func(*net.UDPAddr) *net.UDPAddr { return &net.UDPAddr{IP: net.IPv4(203, 0, 113, 9), Port: 40001} }
		tr := New(Config{STUNServers: []string{startSTUN(t, a), startSTUN(t, b)}, ProbeTimeout: 2 * time.Second}, zerolog.Nop(), nil)
		typ, _, err := tr.DetectType(context.Background())
		require.NoError(t, err)
		assert.Equal(t, TypeSymmetric, typ)
	})

	t.Run("no servers", func(t *testing.T) {
		tr := New(Config{}, zerolog.Nop(), nil)
		_, _, err := tr.DetectType(context.Background())
		assert.ErrorIs(t, err, ErrNoSTUNServer)
	})
}

func TestHolePunch(t *testing.T) {
	loopback := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}

	t.Run("peer answers", func(t *testing.T) {
		peer, err := net.ListenUDP("udp4", loopback)
		require.NoError(t, err)
		defer peer.Close()
		go func() {
			buf := make([]byte, 64)
			n, from, err := peer.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = peer.WriteToUDP(buf[:n], from)
		}()

		local, err := net.ListenUDP("udp4", loopback)
		require.NoError(t, err)
		defer local.Close()

		obs := &recordingObserver{}
		tr := New(Config{HolePunchTimeout: 2 * time.Second}, zerolog.Nop(), obs)
		ok, err := tr.HolePunch(context.Background(), local, peer.LocalAddr().(*net.UDPAddr), []byte("punch"), TypeFullCone)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []bool{true}, obs.punches)
	})

	t.Run("peer silent", func(t *testing.T) {
		peer, err := net.ListenUDP("udp4", loopback)
		require.NoError(t, err)
		defer peer.Close()
		local, err := net.ListenUDP("udp4", loopback)
		require.NoError(t, err)
		defer local.Close()

		tr := New(Config{HolePunchTimeout: 300 * time.Millisecond}, zerolog.Nop(), nil)
		start := time.Now()
		ok, err := tr.HolePunch(context.Background(), local, peer.LocalAddr().(*net.UDPAddr), []byte("punch"), TypeSymmetric)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Less(t, time.Since(start), 2*time.Second)
	})
}

func TestTypeHelpers(t *testing.T) {
	assert.True(t, TypeFullCone.SupportsP2P())
	assert.False(t, TypeSymmetric.SupportsP2P())
	assert.Equal(t, StrategyRelay, TypeSymmetric.Strategy())
	assert.Equal(t, StrategySimultaneousOpen, TypePortRestrictedCone.Strategy())
	assert.Equal(t, StrategyAdaptive, TypeUnknown.Strategy())

	assert.True(t, ShouldUseRelay(TypeSymmetric, TypeSymmetric))
	assert.True(t, ShouldUseRelay(TypeSymmetric, TypePortRestrictedCone))
	assert.False(t, ShouldUseRelay(TypeFullCone, TypeSymmetric))
}

func TestSelectPairs(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1}
	local := []Candidate{
		{Addr: addr, Proto: "udp", Priority: 10, Type: CandidateHost},
		{Addr: addr, Proto: "udp", Priority: 5, Type: CandidateRelay},
		{Addr: addr, Proto: "tcp", Priority: 100, Type: CandidateHost},
	}
	remote := []Candidate{
		{Addr: addr, Proto: "udp", Priority: 3, Type: CandidateServerReflexive},
		{Addr: addr, Proto: "udp", Priority: 7, Type: CandidateHost},
	}

	pairs := SelectPairs(TypeFullCone, TypeFullCone, local, remote)
	require.Len(t, pairs, 4)
	assert.Equal(t, uint32(10), pairs[0].Local.Priority)
	assert.Equal(t, uint32(7), pairs[0].Remote.Priority)

	pairs = SelectPairs(TypeSymmetric, TypeSymmetric, local, remote)
	require.Len(t, pairs, 2)
	for _, p := range pairs {
		assert.Equal(t, CandidateRelay, p.Local.Type)
	}
}
