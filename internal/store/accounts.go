package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// UserAccount 为一个已注册的交易用户。
type UserAccount struct {
	ID          string
	Name        string
	Tier        string
	AccountType string
	Active      bool
}

// TradingConfig 为用户级风控策略。
type TradingConfig struct {
	MaxLeverage       int
	MandatoryStopLoss bool
	MaxPositionSize   float64
}

// Credential 为用户在某交易所、某环境下的一组 API 凭据。
type Credential struct {
	UserID        string
	Exchange      string
	Environment   string
	APIKey        string
	APISecret     string
	Valid         bool
	LastBalance   float64
	LastCheckedAt time.Time
}

// Complete 判断凭据是否 key 与 secret 齐全。
func (c Credential) Complete() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// TradingAccount 把用户、风控配置与全部可用凭据装配在一起。
type TradingAccount struct {
	User        UserAccount
	Config      TradingConfig
	Credentials []Credential
}

// AccountService 管理用户与凭据表。配置与凭据读多写少，
// 查询结果带短 TTL 缓存。
type AccountService struct {
	db     *sql.DB
	logger *zap.Logger

	cacheMu  sync.Mutex
	cached   []TradingAccount
	cachedAt time.Time
	cacheTTL time.Duration
}

// NewAccountService 初始化账户服务并建表。
func NewAccountService(store *Store, logger *zap.Logger) (*AccountService, error) {
	if store == nil {
		return nil, errors.New("store: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &AccountService{
		db:       store.DB(),
		logger:   logger,
		cacheTTL: 30 * time.Second,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *AccountService) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	tier TEXT NOT NULL DEFAULT 'STANDARD',
	account_type TEXT NOT NULL DEFAULT 'testnet',
	active INTEGER NOT NULL DEFAULT 1,
	max_leverage INTEGER NOT NULL DEFAULT 10,
	mandatory_stop_loss INTEGER NOT NULL DEFAULT 0,
	max_position_size REAL NOT NULL DEFAULT 100
);
CREATE TABLE IF NOT EXISTS exchange_credentials (
	user_id TEXT NOT NULL,
	exchange TEXT NOT NULL,
	environment TEXT NOT NULL DEFAULT 'testnet',
	api_key TEXT NOT NULL DEFAULT '',
	api_secret TEXT NOT NULL DEFAULT '',
	valid INTEGER NOT NULL DEFAULT 1,
	last_balance REAL NOT NULL DEFAULT 0,
	last_checked_at TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (user_id, exchange, environment),
	FOREIGN KEY (user_id) REFERENCES users(id)
);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("store: 初始化账户表失败: %w", err)
	}
	return nil
}

// UpsertUser 写入或更新用户及其风控配置。
func (s *AccountService) UpsertUser(ctx context.Context, user UserAccount, cfg TradingConfig) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (id, name, tier, account_type, active, max_leverage, mandatory_stop_loss, max_position_size)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	tier = excluded.tier,
	account_type = excluded.account_type,
	active = excluded.active,
	max_leverage = excluded.max_leverage,
	mandatory_stop_loss = excluded.mandatory_stop_loss,
	max_position_size = excluded.max_position_size`,
		user.ID, user.Name, user.Tier, user.AccountType, boolToInt(user.Active),
		cfg.MaxLeverage, boolToInt(cfg.MandatoryStopLoss), cfg.MaxPositionSize,
	)
	if err != nil {
		return fmt.Errorf("store: 写入用户失败: %w", err)
	}

	s.invalidateCache()
	return nil
}

// UpsertCredential 写入或更新一组交易所凭据。
func (s *AccountService) UpsertCredential(ctx context.Context, cred Credential) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO exchange_credentials (user_id, exchange, environment, api_key, api_secret, valid, last_balance, last_checked_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id, exchange, environment) DO UPDATE SET
	api_key = excluded.api_key,
	api_secret = excluded.api_secret,
	valid = excluded.valid,
	last_balance = excluded.last_balance,
	last_checked_at = excluded.last_checked_at`,
		cred.UserID, cred.Exchange, cred.Environment, cred.APIKey, cred.APISecret,
		boolToInt(cred.Valid), cred.LastBalance, formatTime(cred.LastCheckedAt),
	)
	if err != nil {
		return fmt.Errorf("store: 写入凭据失败: %w", err)
	}

	s.invalidateCache()
	return nil
}

// UpdateCredentialBalance 刷新凭据的余额缓存字段。
func (s *AccountService) UpdateCredentialBalance(ctx context.Context, userID, exchange, environment string, balance float64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE exchange_credentials SET last_balance = ?, last_checked_at = ?
WHERE user_id = ? AND exchange = ? AND environment = ?`,
		balance, formatTime(time.Now().UTC()), userID, exchange, environment,
	)
	if err != nil {
		return fmt.Errorf("store: 更新凭据余额失败: %w", err)
	}
	return nil
}

// ListActive 返回所有处于激活状态、且至少有一组完整有效凭据的用户。
func (s *AccountService) ListActive(ctx context.Context) ([]TradingAccount, error) {
	s.cacheMu.Lock()
	if s.cached != nil && time.Since(s.cachedAt) < s.cacheTTL {
		accounts := s.cached
		s.cacheMu.Unlock()
		return accounts, nil
	}
	s.cacheMu.Unlock()

	return s.Reload(ctx)
}

// Reload 绕过缓存，直接从存储装载账户列表并刷新缓存。
func (s *AccountService) Reload(ctx context.Context) ([]TradingAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT u.id, u.name, u.tier, u.account_type, u.active,
	u.max_leverage, u.mandatory_stop_loss, u.max_position_size,
	c.exchange, c.environment, c.api_key, c.api_secret, c.valid, c.last_balance, c.last_checked_at
FROM users u
JOIN exchange_credentials c ON c.user_id = u.id
WHERE u.active = 1 AND c.valid = 1 AND c.api_key != '' AND c.api_secret != ''
ORDER BY u.id, c.exchange`)
	if err != nil {
		return nil, fmt.Errorf("store: 查询激活用户失败: %w", err)
	}
	defer rows.Close()

	byUser := make(map[string]*TradingAccount)
	order := make([]string, 0)

	for rows.Next() {
		var (
			user        UserAccount
			cfg         TradingConfig
			cred        Credential
			active      int
			mandatory   int
			valid       int
			lastChecked string
		)
		if scanErr := rows.Scan(
			&user.ID, &user.Name, &user.Tier, &user.AccountType, &active,
			&cfg.MaxLeverage, &mandatory, &cfg.MaxPositionSize,
			&cred.Exchange, &cred.Environment, &cred.APIKey, &cred.APISecret,
			&valid, &cred.LastBalance, &lastChecked,
		); scanErr != nil {
			return nil, fmt.Errorf("store: 解析账户记录失败: %w", scanErr)
		}

		user.Active = active != 0
		cfg.MandatoryStopLoss = mandatory != 0
		cred.UserID = user.ID
		cred.Valid = valid != 0
		cred.LastCheckedAt = parseTime(lastChecked)

		account, ok := byUser[user.ID]
		if !ok {
			account = &TradingAccount{User: user, Config: cfg}
			byUser[user.ID] = account
			order = append(order, user.ID)
		}
		account.Credentials = append(account.Credentials, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 遍历账户记录失败: %w", err)
	}

	accounts := make([]TradingAccount, 0, len(order))
	for _, id := range order {
		accounts = append(accounts, *byUser[id])
	}

	s.cacheMu.Lock()
	s.cached = accounts
	s.cachedAt = time.Now()
	s.cacheMu.Unlock()

	return accounts, nil
}

func (s *AccountService) invalidateCache() {
	s.cacheMu.Lock()
	s.cached = nil
	s.cacheMu.Unlock()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
