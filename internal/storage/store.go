package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"cdpfluent/internal/config"
	"cdpfluent/internal/logger"
	"cdpfluent/pkg/traffic"
)

var ErrNoRequests = errors.New("no recorded requests to save")

// RequestRecord 持久化的已结束请求
type RequestRecord struct {
	ID         string `gorm:"primaryKey;size:36"`
	SessionID  string `gorm:"index;size:64"`
	Fragment   string `gorm:"index"`
	URL        string
	Method     string `gorm:"size:16"`
	Status     int
	Mocked     bool
	Failure    string
	DurationMS int64
	// Info RequestInfo 的 JSON 文本
	Info      string
	CreatedAt time.Time
}

// Store 录制结果的 sqlite 存储
type Store struct {
	db  *gorm.DB
	log logger.Logger
}

// Open 打开数据库并迁移表结构
func Open(cfg *config.Config, l logger.Logger) (*Store, error) {
	if l == nil {
		l = logger.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(cfg.Sqlite.Dsn), &gorm.Config{
		Logger:         NewGormLogger(l),
		NamingStrategy: schema.NamingStrategy{TablePrefix: cfg.Sqlite.Prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Sqlite.Dsn, err)
	}
	if err := db.AutoMigrate(&RequestRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	l.Info("数据库已就绪", "dsn", cfg.Sqlite.Dsn)
	return &Store{db: db, log: l}, nil
}

// SaveRequests 等待请求结束后写入；ctx 结束时已写入的部分不回滚
func (s *Store) SaveRequests(ctx context.Context, sessionID, fragment string, reqs []*traffic.RecordedRequest) (int, error) {
	if len(reqs) == 0 {
		return 0, ErrNoRequests
	}
	records := make([]RequestRecord, 0, len(reqs))
	for _, r := range reqs {
		info, err := r.Info(ctx)
		if err != nil {
			return 0, fmt.Errorf("wait request %s: %w", r.URL, err)
		}
		data, err := info.MarshalJSON()
		if err != nil {
			return 0, fmt.Errorf("encode request %s: %w", r.URL, err)
		}
		rec := RequestRecord{
			ID:         uuid.NewString(),
			SessionID:  sessionID,
			Fragment:   fragment,
			URL:        r.URL,
			Method:     r.Method,
			Failure:    info.Failure,
			DurationMS: r.Duration().Milliseconds(),
			Info:       string(data),
		}
		if resp := r.Response(); resp != nil {
			rec.Status = resp.Status
			rec.Mocked = resp.Mocked
		}
		records = append(records, rec)
	}

	if err := s.db.WithContext(ctx).Create(&records).Error; err != nil {
		return 0, fmt.Errorf("save requests: %w", err)
	}
	s.log.Info("录制结果已保存", "session", sessionID, "fragment", fragment, "count", len(records))
	return len(records), nil
}

// ListRequests 按写入顺序列出会话的记录；fragment 为空时不过滤
func (s *Store) ListRequests(ctx context.Context, sessionID, fragment string) ([]RequestRecord, error) {
	q := s.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if fragment != "" {
		q = q.Where("fragment = ?", fragment)
	}
	var out []RequestRecord
	if err := q.Order("created_at, rowid").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return out, nil
}

// DeleteSession 删除会话的全部记录
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	res := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&RequestRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete session %s: %w", sessionID, res.Error)
	}
	return res.RowsAffected, nil
}

// Close 关闭底层连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
