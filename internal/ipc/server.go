// Package ipc implements the newline-delimited JSON control surface over TCP.
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

	"github.com/google/uuid"

	"motionctl/internal/logging"
	"motionctl/pkg/types"
)

// ErrorResponseType 请求失败时的回复类型；成功时为 "<type>_response"
const ErrorResponseType = "error_response"

// ResponseType returns the reply type for a request type.
func ResponseType(requestType string) string {
	return requestType + "_response"
}

type Client struct {
	ID        string
	Conn      net.Conn
	Send      chan []byte
	active    atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
}

type IPCServer struct {
	config       types.IPCConfig
	clients      map[string]*Client
	clientsLock  sync.RWMutex
	handlers     map[string]func(types.IPCMessage)
	handlersLock sync.RWMutex
	server       net.Listener
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	logger       *logging.Logger
}

func NewIPCServer(config types.IPCConfig) *IPCServer {
	ctx, cancel := context.WithCancel(context.Background())
	if config.BufferSize <= 0 {
		config.BufferSize = 1024
	}
	return &IPCServer{
		config:   config,
		clients:  make(map[string]*Client),
		handlers: make(map[string]func(types.IPCMessage)),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logging.GetLogger("ipc_server"),
	}
}

// NewMessage builds an outbound message with a fresh id.
func NewMessage(msgType string, data map[string]interface{}) types.IPCMessage {
	if data == nil {
		data = map[string]interface{}{}
	}
	return types.IPCMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
		ID:        uuid.NewString(),
	}
}

func (s *IPCServer) Start() error {
	var err error
	address := net.JoinHostPort(s.config.Address, fmt.Sprintf("%d", s.config.Port))

	s.server, err = net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to start IPC server: %w", err)
	}

	s.logger.Info("IPC server started", "address", s.server.Addr().String())

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Addr returns the bound listener address; useful when Port is 0.
func (s *IPCServer) Addr() net.Addr {
	if s.server == nil {
		return nil
	}
	return s.server.Addr()
}

func (s *IPCServer) Stop() error {
	s.cancel()

	if s.server != nil {
		s.server.Close()
	}

	s.clientsLock.Lock()
	for _, client := range s.clients {
		s.safeCloseClient(client)
	}
	s.clients = make(map[string]*Client)
	s.clientsLock.Unlock()

	s.wg.Wait()
	return nil
}

// ClientCount reports the number of connected clients.
func (s *IPCServer) ClientCount() int {
	s.clientsLock.RLock()
	defer s.clientsLock.RUnlock()
	return len(s.clients)
}

func (s *IPCServer) safeCloseClient(client *Client) {
	client.closeOnce.Do(func() {
		client.active.Store(false)
		close(client.closed)
		if client.Conn != nil {
			client.Conn.Close()
		}
		s.logger.Debug("Client closed", "client_id", client.ID)
	})
}

func (s *IPCServer) removeClient(client *Client) {
	s.clientsLock.Lock()
	delete(s.clients, client.ID)
	s.clientsLock.Unlock()
	s.safeCloseClient(client)
}

func (s *IPCServer) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.server.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept error", "error", err)
			continue
		}

		client := &Client{
			ID:     uuid.NewString(),
			Conn:   conn,
			Send:   make(chan []byte, s.config.BufferSize),
			closed: make(chan struct{}),
		}
		client.active.Store(true)

		s.clientsLock.Lock()
		s.clients[client.ID] = client
		s.clientsLock.Unlock()

		s.wg.Add(2)
		go s.handleClient(client)
		go s.sendToClient(client)

		s.logger.Info("Client connected", "client_id", client.ID, "remote", conn.RemoteAddr().String())
	}
}

func (s *IPCServer) handleClient(client *Client) {
	defer s.wg.Done()
	defer s.removeClient(client)

	decoder := json.NewDecoder(client.Conn)

	for {
		var message types.IPCMessage
		if err := decoder.Decode(&message); err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.logger.Info("Client disconnected", "client_id", client.ID)
			case errors.Is(err, net.ErrClosed):
			default:
				s.logger.Warn("Client decode error", "client_id", client.ID, "error", err)
			}
			return
		}

		message.Source = client.ID
		s.routeMessage(message)
	}
}

func (s *IPCServer) sendToClient(client *Client) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-client.closed:
			return
		case data := <-client.Send:
			if err := client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				return
			}
			if _, err := client.Conn.Write(data); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.logger.Warn("Send to client failed", "client_id", client.ID, "error", err)
				}
				client.Conn.Close()
				return
			}
			_ = client.Conn.SetWriteDeadline(time.Time{})
		}
	}
}

func (s *IPCServer) routeMessage(message types.IPCMessage) {
	s.handlersLock.RLock()
	handler, exists := s.handlers[message.Type]
	s.handlersLock.RUnlock()

	if !exists {
		s.logger.Debug("No handler for message", "type", message.Type, "client_id", message.Source)
		_ = s.Reply(message, nil, fmt.Errorf("unknown message type %q", message.Type))
		return
	}
	handler(message)
}

func encode(message types.IPCMessage) ([]byte, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return append(data, '\n'), nil
}

func (s *IPCServer) Broadcast(message types.IPCMessage) error {
	data, err := encode(message)
	if err != nil {
		return err
	}

	s.clientsLock.RLock()
	defer s.clientsLock.RUnlock()

	for _, client := range s.clients {
		if !client.active.Load() {
			continue
		}
		select {
		case client.Send <- data:
		default:
			s.logger.Warn("Client send buffer full", "client_id", client.ID)
		}
	}

	return nil
}

func (s *IPCServer) SendToClient(clientID string, message types.IPCMessage) error {
	data, err := encode(message)
	if err != nil {
		return err
	}

	s.clientsLock.RLock()
	client, exists := s.clients[clientID]
	s.clientsLock.RUnlock()

	if !exists {
		return fmt.Errorf("client not found: %s", clientID)
	}
	if !client.active.Load() {
		return fmt.Errorf("client not active: %s", clientID)
	}

	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	select {
	case client.Send <- data:
		return nil
	case <-client.closed:
		return fmt.Errorf("client closed: %s", clientID)
	case <-timer.C:
		return fmt.Errorf("send timeout for client: %s", clientID)
	}
}

// Reply answers req on the connection it came from. The reply carries the
// request id so the caller can correlate it.
func (s *IPCServer) Reply(req types.IPCMessage, data map[string]interface{}, err error) error {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["ok"] = err == nil
	if err != nil {
		data["error"] = err.Error()
	}
	replyType := ResponseType(req.Type)
	if err != nil {
		replyType = ErrorResponseType
	}
	reply := types.IPCMessage{
		Type:      replyType,
		Target:    req.Source,
		Data:      data,
		Timestamp: time.Now(),
		ID:        req.ID,
	}
	return s.SendToClient(req.Source, reply)
}

func (s *IPCServer) RegisterHandler(messageType string, handler func(types.IPCMessage)) {
	s.handlersLock.Lock()
	defer s.handlersLock.Unlock()
	s.handlers[messageType] = handler
}
