package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"motionctl/internal/logging"
	"motionctl/pkg/types"
)

var ErrNotConnected = errors.New("not connected to server")

type IPCClient struct {
	config       types.IPCConfig
	conn         net.Conn
	receiveChan  chan types.IPCMessage
	sendChan     chan []byte
	handlers     map[string]func(types.IPCMessage)
	handlersLock sync.RWMutex
	pending      map[string]chan types.IPCMessage
	pendingLock  sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	connected    atomic.Bool
	closeOnce    sync.Once
	logger       *logging.Logger
}

func NewIPCClient(config types.IPCConfig) *IPCClient {
	ctx, cancel := context.WithCancel(context.Background())
	if config.BufferSize <= 0 {
		config.BufferSize = 1024
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &IPCClient{
		config:      config,
		receiveChan: make(chan types.IPCMessage, config.BufferSize),
		sendChan:    make(chan []byte, config.BufferSize),
		handlers:    make(map[string]func(types.IPCMessage)),
		pending:     make(map[string]chan types.IPCMessage),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logging.GetLogger("ipc_client"),
	}
}

func (c *IPCClient) Connect() error {
	address := net.JoinHostPort(c.config.Address, fmt.Sprintf("%d", c.config.Port))

	conn, err := net.DialTimeout("tcp", address, c.config.Timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to IPC server: %w", err)
	}

	c.conn = conn
	c.connected.Store(true)

	c.wg.Add(2)
	go c.receiveMessages()
	go c.sendMessages()

	c.logger.Info("Connected to IPC server", "address", address)
	return nil
}

func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

func (c *IPCClient) Disconnect() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.connected.Store(false)
		if c.conn != nil {
			c.conn.Close()
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			c.logger.Info("Client disconnected gracefully")
		case <-time.After(3 * time.Second):
			c.logger.Warn("Client disconnect timeout, forcing shutdown")
		}
	})
}

func (c *IPCClient) Send(message types.IPCMessage) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}

	data, err := encode(message)
	if err != nil {
		return err
	}

	timer := time.NewTimer(c.config.Timeout)
	defer timer.Stop()
	select {
	case c.sendChan <- data:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("client shutting down")
	case <-timer.C:
		return fmt.Errorf("send timeout")
	}
}

// Request sends message and waits for the reply carrying the same id.
func (c *IPCClient) Request(ctx context.Context, message types.IPCMessage) (types.IPCMessage, error) {
	if message.ID == "" {
		message.ID = NewMessage(message.Type, nil).ID
	}
	ch := make(chan types.IPCMessage, 1)
	c.pendingLock.Lock()
	c.pending[message.ID] = ch
	c.pendingLock.Unlock()
	defer func() {
		c.pendingLock.Lock()
		delete(c.pending, message.ID)
		c.pendingLock.Unlock()
	}()

	if err := c.Send(message); err != nil {
		return types.IPCMessage{}, err
	}

	select {
	case reply := <-ch:
		if reply.Type == ErrorResponseType {
			msg, _ := reply.Data["error"].(string)
			return reply, fmt.Errorf("%s: %s", message.Type, msg)
		}
		return reply, nil
	case <-ctx.Done():
		return types.IPCMessage{}, ctx.Err()
	case <-c.ctx.Done():
		return types.IPCMessage{}, ErrNotConnected
	}
}

// Receive yields server messages that no handler or pending request claimed.
func (c *IPCClient) Receive() <-chan types.IPCMessage {
	return c.receiveChan
}

func (c *IPCClient) RegisterHandler(messageType string, handler func(types.IPCMessage)) {
	c.handlersLock.Lock()
	defer c.handlersLock.Unlock()
	c.handlers[messageType] = handler
}

func (c *IPCClient) receiveMessages() {
	defer c.wg.Done()
	defer c.cancel()
	defer c.connected.Store(false)

	decoder := json.NewDecoder(c.conn)
	for {
		var message types.IPCMessage
		if err := decoder.Decode(&message); err != nil {
			switch {
			case errors.Is(err, io.EOF):
				c.logger.Info("Server disconnected")
			case errors.Is(err, net.ErrClosed) || c.ctx.Err() != nil:
			default:
				c.logger.Error("Receive error", "error", err)
			}
			return
		}
		c.routeMessage(message)
	}
}

func (c *IPCClient) sendMessages() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.sendChan:
			if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				return
			}
			if _, err := c.conn.Write(data); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					c.logger.Error("Send error", "error", err)
				}
				c.connected.Store(false)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Time{})
		}
	}
}

func (c *IPCClient) routeMessage(message types.IPCMessage) {
	if message.ID != "" {
		c.pendingLock.Lock()
		ch, ok := c.pending[message.ID]
		c.pendingLock.Unlock()
		if ok {
			select {
			case ch <- message:
			default:
			}
			return
		}
	}

	c.handlersLock.RLock()
	handler, exists := c.handlers[message.Type]
	c.handlersLock.RUnlock()

	if exists {
		handler(message)
		return
	}

	select {
	case c.receiveChan <- message:
	default:
		c.logger.Warn("Receive channel full, dropping message", "message_type", message.Type)
	}
}
