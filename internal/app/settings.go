package app

import (
	"sync"
	"time"

	"github.com/spf13/cast"
	"github.com/zapgate/zapgate/internal/domain"
	"go.uber.org/zap"
)

// settingsCacheTTL bounds how stale a cached settings value may be.
const settingsCacheTTL = 30 * time.Second

type cachedValue struct {
	value    string
	loadedAt time.Time
}

// ConfigManager reads system settings from the sys_config table with a
// short-lived cache so hot paths never hit the database per call.
type ConfigManager struct {
	app   *Application
	mu    sync.RWMutex
	cache map[string]cachedValue
}

func NewConfigManager(app *Application) *ConfigManager {
	return &ConfigManager{
		app:   app,
		cache: make(map[string]cachedValue),
	}
}

func (m *ConfigManager) load(category, name string) string {
	key := category + "/" + name

	m.mu.RLock()
	cached, ok := m.cache[key]
	m.mu.RUnlock()
	if ok && time.Since(cached.loadedAt) < settingsCacheTTL {
		return cached.value
	}

	var cfg domain.SysConfig
	err := m.app.gormDB.
		Where("type = ? and name = ?", category, name).
		First(&cfg).Error
	if err != nil {
		zap.L().Debug("settings lookup missed",
			zap.String("category", category), zap.String("name", name))
		return ""
	}

	m.mu.Lock()
	m.cache[key] = cachedValue{value: cfg.Value, loadedAt: time.Now()}
	m.mu.Unlock()
	return cfg.Value
}

// Invalidate drops a cached value so the next read hits the database.
func (m *ConfigManager) Invalidate(category, name string) {
	m.mu.Lock()
	delete(m.cache, category+"/"+name)
	m.mu.Unlock()
}

func (m *ConfigManager) GetString(category, name string) string {
	return m.load(category, name)
}

func (m *ConfigManager) GetInt(category, name string) int {
	return cast.ToInt(m.load(category, name))
}

func (m *ConfigManager) GetInt64(category, name string) int64 {
	return cast.ToInt64(m.load(category, name))
}

func (m *ConfigManager) GetBool(category, name string) bool {
	return cast.ToBool(m.load(category, name))
}
