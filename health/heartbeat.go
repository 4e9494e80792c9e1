// Package health owns the device heartbeat listener and the staleness
// scan that drives failover dispatch.
package health

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/RichardKnop/machinery/v2/log"

	"thunderlb/config"
	"thunderlb/db"
)

// macSize is the length of the HMAC-SHA256 trailer every heartbeat
// carries.
const macSize = sha256.Size

// readBufferSize bounds a single datagram; heartbeats are tiny but the
// buffer is sized generously so oversized packets are read and dropped
// whole rather than truncated into a half-valid payload.
const readBufferSize = 64 * 1024

// pollInterval is the read deadline of the listener socket. Deadline
// expiry is the expected idle case; it only exists so the loop can notice
// a shutdown.
const pollInterval = time.Second

// Seal appends the payload's HMAC, producing a wire-format heartbeat.
// Devices sign with the shared key from their agent configuration; tests
// use it to build valid packets.
func Seal(key string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return mac.Sum(payload)
}

// open verifies and strips the HMAC trailer, returning the payload.
func open(key string, packet []byte) ([]byte, error) {
	if len(packet) < macSize {
		return nil, errors.New("health: packet shorter than its mac")
	}
	payload, got := packet[:len(packet)-macSize], packet[len(packet)-macSize:]
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return nil, errors.New("health: bad heartbeat mac")
	}
	return payload, nil
}

// Listener receives device heartbeats over UDP and refreshes each
// device's last_udp_update. It never exits except on shutdown: validation
// failures and socket errors are logged and the loop continues.
type Listener struct {
	cfg       config.HealthConfig
	vthunders db.Store[db.VThunder]
}

// NewListener builds a heartbeat listener over the device store.
func NewListener(cfg config.HealthConfig, vthunders db.Store[db.VThunder]) *Listener {
	return &Listener{cfg: cfg, vthunders: vthunders}
}

// Run binds the socket and serves heartbeats until the context is
// cancelled.
func (l *Listener) Run(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.ParseIP(l.cfg.BindAddr), Port: l.cfg.BindPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("health: binding heartbeat socket: %w", err)
	}
	defer conn.Close()
	log.INFO.Printf("heartbeat listener on %s", conn.LocalAddr())

	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return err
		}
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			log.WARNING.Printf("heartbeat receive: %s", err)
			continue
		}
		if err := l.Process(ctx, buf[:n], src.IP.String()); err != nil {
			log.WARNING.Printf("heartbeat from %s dropped: %s", src.IP, err)
		}
	}
}

// Process validates one datagram and stamps the sending device. The
// device is identified by the packet's source address; the payload itself
// is opaque.
func (l *Listener) Process(ctx context.Context, packet []byte, srcIP string) error {
	if _, err := open(l.cfg.HeartbeatKey, packet); err != nil {
		return err
	}
	n, err := l.vthunders.Update(ctx, db.Filter{"ip_address": srcIP},
		map[string]interface{}{"last_udp_update": time.Now()})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("health: no device with address %s", srcIP)
	}
	return nil
}
