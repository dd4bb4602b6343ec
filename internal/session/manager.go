package session

import (
	"sort"
	"sync"

	"cdpfluent/internal/logger"
	"cdpfluent/pkg/model"
)

// Manager 全局会话管理器
type Manager struct {
	mu       sync.RWMutex
	sessions map[model.SessionID]*Session
	log      logger.Logger
}

// NewManager 创建会话管理器
func NewManager(l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{
		sessions: make(map[model.SessionID]*Session),
		log:      l,
	}
}

// Add 注册会话
func (m *Manager) Add(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	m.log.Info("创建页面会话", "sessionID", string(s.ID), "target", string(s.page.ID()))
}

// Get 获取会话
func (m *Manager) Get(id model.SessionID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove 注销并返回会话
func (m *Manager) Remove(id model.SessionID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		m.log.Info("销毁页面会话", "sessionID", string(id))
	}
	return s, ok
}

// List 按创建时间返回所有会话
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list
}

// Prune 移除页面已关闭的会话，返回被移除的ID
func (m *Manager) Prune() []model.SessionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []model.SessionID
	for id, s := range m.sessions {
		if !s.Active() {
			delete(m.sessions, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		m.log.Info("清理已关闭页面的会话", "count", len(removed))
	}
	return removed
}
