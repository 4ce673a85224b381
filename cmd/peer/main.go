package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/multiedit/multiedit/internal/p2p/negotiator"
	"github.com/multiedit/multiedit/internal/p2p/relay"
)

// peer joins a session on a multiedit server, negotiates a connection to one
// remote participant and exchanges stdin lines with it.
type runtimeConfig struct {
	ServerURL         string
	SessionID         string
	PeerID            string
	Role              string
	RemotePeerID      string
	RemoteAddr        string
	DialTimeout       time.Duration
	JoinRetries       int
	JoinRetryDelay    time.Duration
	HeartbeatInterval time.Duration
	KeepaliveInterval time.Duration
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Str("peer_id", cfg.PeerID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: 5 * time.Second}
	if err := joinSession(ctx, client, cfg); err != nil {
		log.Fatalf("join session failed: %v", err)
	}
	logger.Info().Str("session_id", cfg.SessionID).Msg("joined session")
	defer func() {
		if err := postPeer(context.Background(), client, cfg, "/leave"); err != nil {
			logger.Warn().Err(err).Msg("leave failed")
		}
	}()

	wsURL, err := relayURL(cfg.ServerURL)
	if err != nil {
		log.Fatalf("relay url: %v", err)
	}
	channel, err := relay.Dial(ctx, wsURL, cfg.SessionID, cfg.PeerID, logger)
	if err != nil {
		log.Fatalf("relay: %v", err)
	}
	defer channel.Close()

	m := negotiator.NewManager(negotiator.Config{
		SessionID:    cfg.SessionID,
		LocalPeerID:  cfg.PeerID,
		RemotePeerID: cfg.RemotePeerID,
		DialTimeout:  cfg.DialTimeout,
	}, channel, logger, nil)
	defer m.Close()

	mode := m.Connect(ctx, cfg.RemoteAddr)
	logger.Info().Str("mode", mode.String()).Str("remote_peer", cfg.RemotePeerID).Msg("connected")

	go heartbeat(ctx, client, cfg, logger)
	go func() {
		if err := m.Keepalive(ctx, cfg.KeepaliveInterval); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("keepalive stopped")
		}
	}()
	go receive(ctx, m, logger)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-channel.Done():
			logger.Warn().Msg("relay connection closed")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := m.SendData(ctx, []byte(line)); err != nil {
				logger.Error().Err(err).Msg("send failed")
			}
		}
	}
}

func receive(ctx context.Context, m *negotiator.Manager, logger zerolog.Logger) {
	buf := make([]byte, negotiator.MaxChunkSize)
	for {
		n, err := m.ReceiveData(ctx, buf)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn().Err(err).Msg("receive stopped")
			}
			return
		}
		fmt.Printf("%s\n", buf[:n])
	}
}

func heartbeat(ctx context.Context, client *http.Client, cfg *runtimeConfig, logger zerolog.Logger) {
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := postPeer(ctx, client, cfg, "/heartbeat"); err != nil {
				logger.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func loadConfig() (*runtimeConfig, error) {
	hostname, _ := os.Hostname()
	peerID := getenv("PEER_ID", strings.TrimSpace(hostname))
	if peerID == "" {
		peerID = "peer-1"
	}
	sessionID := getenv("PEER_SESSION_ID", "")
	remote := getenv("PEER_REMOTE_ID", "")
	if sessionID == "" || remote == "" {
		return nil, errors.New("PEER_SESSION_ID and PEER_REMOTE_ID are required")
	}

	return &runtimeConfig{
		ServerURL:         strings.TrimRight(getenv("PEER_SERVER_URL", "http://127.0.0.1:8080"), "/"),
		SessionID:         sessionID,
		PeerID:            peerID,
		Role:              getenv("PEER_ROLE", "editor"),
		RemotePeerID:      remote,
		RemoteAddr:        getenv("PEER_REMOTE_ADDR", ""),
		DialTimeout:       parseDuration(getenv("PEER_DIAL_TIMEOUT", "5s"), 5*time.Second),
		JoinRetries:       parseInt(getenv("PEER_JOIN_RETRIES", "10"), 10),
		JoinRetryDelay:    parseDuration(getenv("PEER_JOIN_RETRY_DELAY", "1s"), time.Second),
		HeartbeatInterval: parseDuration(getenv("PEER_HEARTBEAT_INTERVAL", "30s"), 30*time.Second),
		KeepaliveInterval: parseDuration(getenv("PEER_KEEPALIVE_INTERVAL", "15s"), 15*time.Second),
	}, nil
}

func relayURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = getenv("PEER_RELAY_PATH", "/v1/relay")
	return u.String(), nil
}

// joinSession joins as cfg.PeerID, retrying while the server is unreachable.
// A conflict means the peer is already a participant.
func joinSession(ctx context.Context, client *http.Client, cfg *runtimeConfig) error {
	endpoint := cfg.ServerURL + "/v1/sessions/" + cfg.SessionID + "/join"
	body, err := json.Marshal(map[string]string{
		"peer_id": cfg.PeerID,
		"role":    cfg.Role,
	})
	if err != nil {
		return err
	}

	var lastErr error
	for i := 0; i < cfg.JoinRetries; i++ {
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(cfg.JoinRetryDelay)
			continue
		}
		_ = resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
			return nil
		case resp.StatusCode < 500:
			return fmt.Errorf("join returned status %d", resp.StatusCode)
		}
		lastErr = fmt.Errorf("join returned status %d", resp.StatusCode)
		time.Sleep(cfg.JoinRetryDelay)
	}
	if lastErr == nil {
		lastErr = errors.New("join failed")
	}
	return lastErr
}

func postPeer(ctx context.Context, client *http.Client, cfg *runtimeConfig, suffix string) error {
	endpoint := cfg.ServerURL + "/v1/sessions/" + cfg.SessionID + suffix
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Peer-ID", cfg.PeerID)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", suffix, resp.StatusCode)
	}
	return nil
}

func getenv(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func parseInt(raw string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return v
}

func parseDuration(raw string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return v
}
