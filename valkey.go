package simctl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/valkey-io/valkey-go"
)

// blpopWindow is how long one BLPOP blocks before ctx and Close are checked
// again.
const blpopWindow = time.Second

// ValkeyTransport relays exchanges through a Valkey server for simulators
// that are only reachable through a broker. Requests are pushed to
// RequestKey(channel) and replies are popped from ReplyKey(channel). Both
// are stream-framed messages whose first part is a correlation id: a request
// is [id, batch] and its reply is [id, frames..., sentinel]. Replies carrying
// any other id are late answers to abandoned exchanges and are dropped.
type ValkeyTransport struct {
	client    valkey.Client
	channel   string
	mu        sync.RWMutex
	connected bool
	pending   string
	once      sync.Once
	options   Options
}

// RequestKey is the list a relay reads requests from.
func RequestKey(channel string) string { return channel + ":req" }

// ReplyKey is the list a relay writes replies to.
func ReplyKey(channel string) string { return channel + ":rep" }

// Send pushes msg onto the request list under a fresh correlation id.
func (v *ValkeyTransport) Send(ctx context.Context, msg []byte) error {
	if !v.IsConnected() {
		return ErrTransportNotConnected
	}
	id := xid.New().String()
	data, err := EncodeMessage([][]byte{[]byte(id), msg})
	if err != nil {
		return err
	}
	cmd := v.client.B().Rpush().Key(RequestKey(v.channel)).Element(string(data)).Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return err
	}
	v.mu.Lock()
	v.pending = id
	v.mu.Unlock()
	return nil
}

// Receive pops replies until the one for the last Send arrives, waiting in
// blpopWindow slices until ctx ends or the transport is closed.
func (v *ValkeyTransport) Receive(ctx context.Context) ([][]byte, error) {
	key := ReplyKey(v.channel)
	v.mu.RLock()
	connected, id := v.connected, v.pending
	v.mu.RUnlock()
	if !connected {
		return nil, ErrTransportNotConnected
	}
	if id == "" {
		return nil, fmt.Errorf("%s: receive without a pending request", key)
	}
	for {
		if !v.IsConnected() {
			return nil, ErrTransportNotConnected
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}

		window := blpopWindow
		if dl, ok := ctx.Deadline(); ok {
			if left := time.Until(dl); left < window {
				window = left
			}
		}
		if window < 10*time.Millisecond {
			window = 10 * time.Millisecond
		}

		cmd := v.client.B().Blpop().Key(key).Timeout(window.Seconds()).Build()
		kv, err := v.client.Do(ctx, cmd).AsStrSlice()
		if valkey.IsValkeyNil(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(kv) != 2 {
			return nil, fmt.Errorf("%s: unexpected BLPOP reply of %d elements", key, len(kv))
		}
		parts, err := DecodeMessage([]byte(kv[1]), v.options.Limits)
		if err != nil {
			return nil, err
		}
		if len(parts) == 0 || string(parts[0]) != id {
			v.options.Logger.Debug("dropping stale relay reply", "key", key, "parts", len(parts))
			continue
		}
		v.mu.Lock()
		v.pending = ""
		v.mu.Unlock()
		return parts[1:], nil
	}
}

// Close shuts down the valkey transport and closes the client
func (v *ValkeyTransport) Close() error {
	v.once.Do(func() {
		v.mu.Lock()
		v.connected = false
		v.mu.Unlock()
		v.client.Close()
	})
	return nil
}

// IsConnected returns true if the transport is connected and ready
func (v *ValkeyTransport) IsConnected() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.connected
}

// NewValkeyClient creates a new valkey client with common configuration
func NewValkeyClient(address string, options ...valkey.ClientOption) (valkey.Client, error) {
	var clientOption valkey.ClientOption
	if len(options) > 0 {
		clientOption = options[0]
	}
	if len(clientOption.InitAddress) == 0 {
		clientOption.InitAddress = []string{address}
	}
	return valkey.NewClient(clientOption)
}

// NewValkeyTransport creates a relay transport on channel. The transport owns
// client and closes it on Close.
func NewValkeyTransport(client valkey.Client, channel string, opts ...Option) *ValkeyTransport {
	return &ValkeyTransport{
		client:    client,
		channel:   channel,
		connected: true,
		options:   buildOptions(opts),
	}
}

// DialValkey connects to the Valkey server at address and returns a relay
// transport on channel. A failed connection is a ConnectionError.
func DialValkey(ctx context.Context, address, channel string, opts ...Option) (*ValkeyTransport, error) {
	options := buildOptions(opts)

	ctx, cancel := context.WithTimeout(ctx, options.StartupTimeout)
	defer cancel()

	client, err := dialWithBackoff(ctx, options, func(context.Context) (valkey.Client, error) {
		return NewValkeyClient(address)
	})
	if err != nil {
		return nil, &ConnectionError{Address: address, Err: err}
	}
	return NewValkeyTransport(client, channel, opts...), nil
}
