package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn is the part of *websocket.Conn a session writes through.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one connected observer. Frames are queued and written by a
// dedicated goroutine so a slow socket never stalls a broadcast.
type Session struct {
	ID        string
	MissionID string

	conn         wsConn
	writeTimeout time.Duration
	out          chan []byte
	quit         chan struct{}
	done         chan struct{}
	quitOnce     sync.Once

	// mu serializes socket writes.
	mu sync.Mutex
}

func newSession(id, missionID string, conn wsConn, buffer int, writeTimeout time.Duration) *Session {
	return &Session{
		ID:           id,
		MissionID:    missionID,
		conn:         conn,
		writeTimeout: writeTimeout,
		out:          make(chan []byte, buffer),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// enqueue queues a frame without blocking. It reports false when the
// session is closing or its queue is full.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) writeLoop(onFail func(*Session, error)) {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case frame := <-s.out:
			if err := s.write(frame); err != nil {
				onFail(s, err)
				return
			}
		}
	}
}

func (s *Session) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// close stops the writer without waiting for it.
func (s *Session) close() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// join stops the writer and waits up to timeout for it to exit.
func (s *Session) join(timeout time.Duration) bool {
	s.close()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return true
	case <-timer.C:
		return false
	}
}
