// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memory is the short-term conversation store: per-session
// message history with a hard cap, swept for idle sessions in the
// background. It is deliberately in-process and unrelated to any
// persistent storage.
package memory

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/stackchat/pkg/config"
)

// Message is one turn of a conversation.
type Message struct {
	Role string
	Text string
	Time time.Time
}

type session struct {
	tenantID     string
	messages     []Message
	lastActivity time.Time
}

// Store holds per-session conversation history. Construct one per
// process and inject it; there is no package-level instance.
type Store struct {
	cfg config.MemoryConfig
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*session

	stopOnce sync.Once
	stop     chan struct{}
}

// NewStore creates an empty store.
func NewStore(cfg config.MemoryConfig) *Store {
	return &Store{
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]*session),
		stop:     make(chan struct{}),
	}
}

// Append records a message and returns the session id, generating one
// when sessionID is empty. Past the message cap the oldest messages
// are trimmed.
func (s *Store) Append(sessionID, tenantID, role, text string) string {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &session{tenantID: tenantID}
		s.sessions[sessionID] = sess
	}

	sess.messages = append(sess.messages, Message{Role: role, Text: text, Time: s.now()})
	if overflow := len(sess.messages) - s.cfg.MaxMessages; overflow > 0 && s.cfg.MaxMessages > 0 {
		sess.messages = sess.messages[overflow:]
	}
	sess.lastActivity = s.now()

	return sessionID
}

// History returns up to window trailing messages for the session, most
// recent last. A zero window uses the configured history window.
func (s *Store) History(sessionID string, window int) []Message {
	if window <= 0 {
		window = s.cfg.HistoryWindow
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}

	messages := sess.messages
	if window > 0 && len(messages) > window {
		messages = messages[len(messages)-window:]
	}
	return append([]Message(nil), messages...)
}

// Len returns the message count for a session.
func (s *Store) Len(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return len(sess.messages)
	}
	return 0
}

// Sessions returns the number of live sessions.
func (s *Store) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Start launches the idle-session sweeper. Stop terminates it.
func (s *Store) Start() {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop terminates the sweeper. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Store) sweep() {
	cutoff := s.now().Add(-s.cfg.IdleTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, sess := range s.sessions {
		if sess.lastActivity.Before(cutoff) {
			delete(s.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("Swept idle sessions", "evicted", evicted, "remaining", len(s.sessions))
	}
}
