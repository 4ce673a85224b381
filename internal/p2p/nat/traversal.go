package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/rs/zerolog"
)

var ErrNoSTUNServer = errors.New("nat: no stun server configured")

const (
	punchInitialInterval = 50 * time.Millisecond
	punchMaxInterval     = 500 * time.Millisecond
	punchMaxAttempts     = 10
)

type Config struct {
	STUNServers      []string
	ProbeTimeout     time.Duration
	HolePunchTimeout time.Duration
}

// Traversal discovers public addresses over STUN and punches UDP holes.
type Traversal struct {
	cfg      Config
	logger   zerolog.Logger
	observer Observer
}

func New(cfg Config, logger zerolog.Logger, observer Observer) *Traversal {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.HolePunchTimeout <= 0 {
		cfg.HolePunchTimeout = 10 * time.Second
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Traversal{
		cfg:      cfg,
		logger:   logger.With().Str("component", "nat").Logger(),
		observer: observer,
	}
}

// Discover sends a binding request from conn to server and returns the
// reflexive address the server saw.
func (t *Traversal) Discover(ctx context.Context, conn net.PacketConn, server string) (*net.UDPAddr, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, fmt.Errorf("resolve stun server %s: %w", server, err)
	}
	req, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("build binding request: %w", err)
	}

	deadline := time.Now().Add(t.cfg.ProbeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.WriteTo(req.Raw, raddr); err != nil {
		return nil, fmt.Errorf("send binding request: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return nil, fmt.Errorf("read binding response from %s: %w", server, err)
		}
		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			continue
		}
		if res.TransactionID != req.TransactionID {
			continue
		}
		if res.Type != stun.BindingSuccess {
			return nil, fmt.Errorf("stun server %s answered %s", server, res.Type)
		}
		var xor stun.XORMappedAddress
		if err := xor.GetFrom(res); err == nil {
			return &net.UDPAddr{IP: xor.IP, Port: xor.Port}, nil
		}
		var mapped stun.MappedAddress
		if err := mapped.GetFrom(res); err != nil {
			return nil, fmt.Errorf("stun response without mapped address: %w", err)
		}
		return &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}, nil
	}
}

// PublicAddress discovers the reflexive address of a fresh socket against
// the first configured server.
func (t *Traversal) PublicAddress(ctx context.Context) (*net.UDPAddr, error) {
	if len(t.cfg.STUNServers) == 0 {
		return nil, ErrNoSTUNServer
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("bind probe socket: %w", err)
	}
	defer conn.Close()
	return t.Discover(ctx, conn, t.cfg.STUNServers[0])
}

// DetectType compares the mappings two servers report for the same socket.
// Differing mappings mean a symmetric NAT. A mapping equal to a local
// interface address means no NAT. Filtering behaviour is not probed, so a
// consistent mapping is reported as a restricted cone.
func (t *Traversal) DetectType(ctx context.Context) (Type, *net.UDPAddr, error) {
	if len(t.cfg.STUNServers) == 0 {
		return TypeUnknown, nil, ErrNoSTUNServer
	}
	start := time.Now()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return TypeUnknown, nil, fmt.Errorf("bind probe socket: %w", err)
	}
	defer conn.Close()

	first, err := t.Discover(ctx, conn, t.cfg.STUNServers[0])
	if err != nil {
		return TypeUnknown, nil, err
	}
	localPort := conn.LocalAddr().(*net.UDPAddr).Port

	typ := TypeUnknown
	switch {
	case first.Port == localPort && isLocalIP(first.IP):
		typ = TypeOpen
	case len(t.cfg.STUNServers) < 2:
	default:
		second, err := t.Discover(ctx, conn, t.cfg.STUNServers[1])
		if err != nil {
			return TypeUnknown, first, err
		}
		if first.IP.Equal(second.IP) && first.Port == second.Port {
			typ = TypeRestrictedCone
		} else {
			typ = TypeSymmetric
			t.logger.Warn().Str("first", first.String()).Str("second", second.String()).Msg("symmetric nat detected")
		}
	}

	t.observer.NATDetected(typ)
	t.logger.Info().Str("nat_type", string(typ)).Str("public_addr", first.String()).
		Dur("duration", time.Since(start)).Msg("nat type detected")
	return typ, first, nil
}

// HolePunch sends token to remote with exponential backoff until remote
// answers. It reports false when the attempts or HolePunchTimeout run out.
func (t *Traversal) HolePunch(ctx context.Context, conn *net.UDPConn, remote *net.UDPAddr, token []byte, local Type) (bool, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, t.cfg.HolePunchTimeout)
	defer cancel()
	defer conn.SetReadDeadline(time.Time{})

	ok, err := t.punch(ctx, conn, remote, token)
	elapsed := time.Since(start)
	t.observer.HolePunch(local, ok, elapsed)

	log := t.logger.With().Str("remote", remote.String()).Dur("duration", elapsed).Logger()
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("hole punch error")
	case ok:
		log.Info().Msg("hole punch succeeded")
	default:
		log.Warn().Msg("hole punch failed")
	}
	return ok, err
}

func (t *Traversal) punch(ctx context.Context, conn *net.UDPConn, remote *net.UDPAddr, token []byte) (bool, error) {
	interval := punchInitialInterval
	buf := make([]byte, 1500)
	for attempt := 0; attempt < punchMaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return false, nil
		}
		if _, err := conn.WriteToUDP(token, remote); err != nil {
			return false, fmt.Errorf("send punch packet: %w", err)
		}
		t.logger.Debug().Int("attempt", attempt+1).Str("remote", remote.String()).Msg("sent punch packet")

		deadline := time.Now().Add(interval)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return false, err
		}
		for {
			_, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				var nerr net.Error
				if errors.As(err, &nerr) && nerr.Timeout() {
					break
				}
				return false, fmt.Errorf("read punch response: %w", err)
			}
			if from.IP.Equal(remote.IP) && from.Port == remote.Port {
				return true, nil
			}
		}
		interval = min(interval*2, punchMaxInterval)
	}
	return false, nil
}

func isLocalIP(ip net.IP) bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if n, ok := a.(*net.IPNet); ok && n.IP.Equal(ip) {
			return true
		}
	}
	return false
}
