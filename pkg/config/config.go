// Package config загружает настройки симулятора из YAML файла.
//
// Файл состоит из четырех разделов:
//   - log: уровень, формат (console или json) и файл с ротацией
//   - metrics: адрес HTTP сервера Prometheus
//   - profile: таймеры и политики сессии
//   - simulation: сценарий, режим времени и начальное значение генератора
//
// Отсутствующие поля получают значения из Default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"braces.dev/errtrace"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/invite_session/pkg/logging"
	"github.com/arzzra/invite_session/pkg/loopback"
	"github.com/arzzra/invite_session/pkg/session"
	"github.com/arzzra/invite_session/pkg/session/retransmit"
	"github.com/arzzra/invite_session/pkg/session/sessiontimer"
)

// Форматы журнала.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config настройки симулятора.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Profile    ProfileConfig    `yaml:"profile"`
	Simulation SimulationConfig `yaml:"simulation"`
}

// LogConfig настройки журнала.
type LogConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	NoColor bool   `yaml:"no_color"`
	// File журнал в файл, пустой Path пишет в stderr
	File FileConfig `yaml:"file"`
}

// FileConfig файл журнала с ротацией по размеру.
type FileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig настройки метрик.
type MetricsConfig struct {
	// Listen адрес HTTP сервера /metrics, пусто отключает сервер
	Listen    string `yaml:"listen"`
	Namespace string `yaml:"namespace"`
}

// WindowConfig окно случайной задержки после 491.
type WindowConfig struct {
	Min time.Duration `yaml:"min"`
	Max time.Duration `yaml:"max"`
}

// SessionTimerConfig политика таймера сессии (RFC 4028).
type SessionTimerConfig struct {
	Enabled bool `yaml:"enabled"`
	// Interval и MinSE в секундах
	Interval uint32 `yaml:"interval"`
	MinSE    uint32 `yaml:"min_se"`
	// Refresher одно из local, remote, uac, uas
	Refresher   string `yaml:"refresher"`
	RejectSmall bool   `yaml:"reject_small"`
}

// ProfileConfig таймеры и политики сессии.
type ProfileConfig struct {
	T1                time.Duration      `yaml:"t1"`
	T2                time.Duration      `yaml:"t2"`
	AckWait           time.Duration      `yaml:"ack_wait"`
	StaleReInvite     time.Duration      `yaml:"stale_reinvite"`
	StaleCall         time.Duration      `yaml:"stale_call"`
	ProvisionalRepeat time.Duration      `yaml:"provisional_repeat"`
	CallerGlare       WindowConfig       `yaml:"caller_glare"`
	CalleeGlare       WindowConfig       `yaml:"callee_glare"`
	SessionTimer      SessionTimerConfig `yaml:"session_timer"`
	Reliable          bool               `yaml:"reliable"`
	UserAgent         string             `yaml:"user_agent"`
}

// SimulationConfig параметры прогона.
type SimulationConfig struct {
	Scenario string `yaml:"scenario"`
	// Realtime таймеры на реальном времени вместо виртуальных часов
	Realtime bool   `yaml:"realtime"`
	Seed     uint64 `yaml:"seed"`
	// Horizon предел виртуального времени прогона
	Horizon time.Duration `yaml:"horizon"`
}

// Default возвращает конфигурацию по умолчанию.
// Профиль совпадает с session.DefaultProfile, журнал пишется в stderr
// в консольном формате, сервер метрик выключен.
func Default() *Config {
	p := session.DefaultProfile()
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: FormatConsole,
			File: FileConfig{
				MaxSizeMB:  100,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
		Metrics: MetricsConfig{
			Namespace: "sip",
		},
		Profile: profileConfig(p),
		Simulation: SimulationConfig{
			Scenario: loopback.ScenarioBasic,
			Seed:     1,
			Horizon:  loopback.DefaultHorizon,
		},
	}
}

func profileConfig(p session.Profile) ProfileConfig {
	t := p.Timers
	st := p.SessionTimer
	return ProfileConfig{
		T1:                t.T1,
		T2:                t.T2,
		AckWait:           t.AckWait,
		StaleReInvite:     t.StaleReInvite,
		StaleCall:         t.StaleCall,
		ProvisionalRepeat: t.ProvisionalRepeat,
		CallerGlare:       WindowConfig{Min: t.CallerGlare.Min, Max: t.CallerGlare.Max},
		CalleeGlare:       WindowConfig{Min: t.CalleeGlare.Min, Max: t.CalleeGlare.Max},
		SessionTimer: SessionTimerConfig{
			Enabled:     st.Enabled,
			Interval:    st.Interval,
			MinSE:       st.MinSE,
			Refresher:   st.Mode.String(),
			RejectSmall: st.RejectSmall,
		},
		Reliable:  p.Reliable,
		UserAgent: p.UserAgent,
	}
}

// Load читает файл path поверх Default и проверяет результат.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("config: %w", err))
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("config %s: %w", path, err))
	}
	return cfg, nil
}

// Parse разбирает YAML поверх Default. Неизвестные поля считаются
// ошибкой.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errtrace.Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return cfg, nil
}

// Validate проверяет корректность конфигурации.
// Проверяется:
//   - уровень и формат журнала
//   - имя сценария
//   - согласованность профиля (см. session.Profile.Validate)
func (c *Config) Validate() error {
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return errtrace.Wrap(fmt.Errorf("log.level: неизвестный уровень %q", c.Log.Level))
	}
	if c.Log.Format != FormatConsole && c.Log.Format != FormatJSON {
		return errtrace.Wrap(fmt.Errorf("log.format: ожидается console или json, получено %q", c.Log.Format))
	}
	if c.Log.File.Path != "" && c.Log.File.MaxSizeMB <= 0 {
		return errtrace.Wrap(fmt.Errorf("log.file.max_size_mb должен быть больше 0"))
	}
	if !slices.Contains(loopback.Scenarios, c.Simulation.Scenario) {
		return errtrace.Wrap(fmt.Errorf("simulation.scenario: неизвестный сценарий %q", c.Simulation.Scenario))
	}
	if c.Simulation.Horizon < 0 {
		return errtrace.Wrap(fmt.Errorf("simulation.horizon не может быть отрицательным"))
	}
	p, err := c.SessionProfile()
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(p.Validate())
}

// SessionProfile профиль сессии из раздела profile.
func (c *Config) SessionProfile() (session.Profile, error) {
	pc := c.Profile
	mode, err := parseRefresher(pc.SessionTimer.Refresher)
	if err != nil {
		return session.Profile{}, errtrace.Wrap(err)
	}

	p := session.DefaultProfile()
	p.Timers = retransmit.Config{
		T1:                pc.T1,
		T2:                pc.T2,
		AckWait:           pc.AckWait,
		StaleReInvite:     pc.StaleReInvite,
		StaleCall:         pc.StaleCall,
		ProvisionalRepeat: pc.ProvisionalRepeat,
		CallerGlare:       retransmit.Window{Min: pc.CallerGlare.Min, Max: pc.CallerGlare.Max},
		CalleeGlare:       retransmit.Window{Min: pc.CalleeGlare.Min, Max: pc.CalleeGlare.Max},
	}
	p.SessionTimer = sessiontimer.Policy{
		Enabled:     pc.SessionTimer.Enabled,
		Interval:    pc.SessionTimer.Interval,
		MinSE:       pc.SessionTimer.MinSE,
		Mode:        mode,
		RejectSmall: pc.SessionTimer.RejectSmall,
	}
	p.Reliable = pc.Reliable
	p.UserAgent = pc.UserAgent
	return p, nil
}

func parseRefresher(name string) (sessiontimer.RefresherMode, error) {
	for _, m := range []sessiontimer.RefresherMode{
		sessiontimer.PreferLocal, sessiontimer.PreferRemote,
		sessiontimer.PreferUAC, sessiontimer.PreferUAS,
	} {
		if m.String() == name {
			return m, nil
		}
	}
	return 0, errtrace.Wrap(fmt.Errorf("profile.session_timer.refresher: неизвестное значение %q", name))
}
