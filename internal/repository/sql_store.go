package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/hitoshi/notifylink/internal/database"
	"github.com/hitoshi/notifylink/internal/model"
)

// SQLStore はPostgreSQLとSQLiteの両方で動作するBindingStore/MessageLedgerの実装。
// 時刻はUNIXミリ秒で保存し、upsertはINSERT ... ON CONFLICTで1文にまとめる。
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
	now     func() time.Time
}

// NewSQLStore はSQLStoreを生成する。
func NewSQLStore(db *sql.DB, dialect database.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

var placeholderPattern = regexp.MustCompile(`\$(\d+)`)

// rebind はSQLiteでは$Nプレースホルダを?Nに置き換える。
func (s *SQLStore) rebind(query string) string {
	if s.dialect != database.DialectSQLite {
		return query
	}
	return placeholderPattern.ReplaceAllString(query, "?$1")
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func storeError(op string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", op, model.ErrStoreUnavailable, err)
}

// UpsertLogin はBindingを作成または更新する。
// 名前とアイコンもログインのたびに最新のプロフィールで上書きする。
func (s *SQLStore) UpsertLogin(ctx context.Context, creds model.LoginCredentials) error {
	now := toMillis(s.now())
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO bindings (sub, name, picture, login_access_token, login_refresh_token, login_id_token, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (sub) DO UPDATE SET
		   name = excluded.name,
		   picture = excluded.picture,
		   login_access_token = excluded.login_access_token,
		   login_refresh_token = excluded.login_refresh_token,
		   login_id_token = excluded.login_id_token,
		   updated_at = excluded.updated_at`),
		creds.Subject, creds.Name, creds.Picture,
		creds.AccessToken, creds.RefreshToken, creds.IDToken, now,
	)
	if err != nil {
		return storeError("upsert binding", err)
	}
	return nil
}

const bindingColumns = `sub, name, picture, login_access_token, login_refresh_token, login_id_token,
	COALESCE(notify_access_token, ''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBinding(row rowScanner) (*model.Binding, error) {
	b := &model.Binding{}
	var createdAt, updatedAt int64
	if err := row.Scan(
		&b.Subject, &b.Name, &b.Picture,
		&b.LoginAccessToken, &b.LoginRefreshToken, &b.LoginIDToken,
		&b.NotifyAccessToken, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	b.CreatedAt = fromMillis(createdAt)
	b.UpdatedAt = fromMillis(updatedAt)
	return b, nil
}

// GetBinding は指定subjectのBindingを取得する。見つからない場合はnilを返す。
func (s *SQLStore) GetBinding(ctx context.Context, subject string) (*model.Binding, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+bindingColumns+` FROM bindings WHERE sub = $1`), subject)
	b, err := scanBinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("get binding", err)
	}
	return b, nil
}

// IsNotifyBound は通知連携済みかを返す。
func (s *SQLStore) IsNotifyBound(ctx context.Context, subject string) (bool, error) {
	token, err := s.GetNotifyToken(ctx, subject)
	if errors.Is(err, model.ErrBindingNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return token != "", nil
}

// SetNotifyToken は通知トークンを保存する。
func (s *SQLStore) SetNotifyToken(ctx context.Context, subject, token string) error {
	result, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE bindings SET notify_access_token = $2, updated_at = $3 WHERE sub = $1`),
		subject, token, toMillis(s.now()),
	)
	if err != nil {
		return storeError("set notify token", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return storeError("set notify token", err)
	}
	if n == 0 {
		return fmt.Errorf("set notify token for %s: %w", subject, model.ErrBindingNotFound)
	}
	return nil
}

// ClearNotifyToken は通知トークンを削除する。
func (s *SQLStore) ClearNotifyToken(ctx context.Context, subject string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE bindings SET notify_access_token = NULL, updated_at = $2 WHERE sub = $1`),
		subject, toMillis(s.now()),
	)
	if err != nil {
		return storeError("clear notify token", err)
	}
	return nil
}

// GetNotifyToken は通知トークンを返す。
func (s *SQLStore) GetNotifyToken(ctx context.Context, subject string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COALESCE(notify_access_token, '') FROM bindings WHERE sub = $1`), subject,
	).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("get notify token for %s: %w", subject, model.ErrBindingNotFound)
	}
	if err != nil {
		return "", storeError("get notify token", err)
	}
	return token, nil
}

// ListBindings はすべてのBindingを作成順に返す。
func (s *SQLStore) ListBindings(ctx context.Context) ([]*model.Binding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bindingColumns+` FROM bindings ORDER BY created_at, sub`)
	if err != nil {
		return nil, storeError("list bindings", err)
	}
	defer rows.Close()

	var bindings []*model.Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, storeError("scan binding", err)
		}
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterate bindings", err)
	}
	return bindings, nil
}

// CreateMessage はメッセージを作成し、IDとCreatedAtをmsgにも設定する。
func (s *SQLStore) CreateMessage(ctx context.Context, msg *model.Message) (int64, error) {
	createdAt := s.now().UTC()
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO messages (message_text, sticker_package_id, sticker_id, created_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`),
		msg.Text, msg.StickerPackageID, msg.StickerID, toMillis(createdAt),
	).Scan(&id)
	if err != nil {
		return 0, storeError("create message", err)
	}
	msg.ID = id
	msg.CreatedAt = fromMillis(toMillis(createdAt))
	return id, nil
}

func scanMessage(row rowScanner) (*model.Message, error) {
	m := &model.Message{}
	var packageID, stickerID sql.NullInt64
	var createdAt int64
	if err := row.Scan(&m.ID, &m.Text, &packageID, &stickerID, &createdAt); err != nil {
		return nil, err
	}
	if packageID.Valid {
		m.StickerPackageID = &packageID.Int64
	}
	if stickerID.Valid {
		m.StickerID = &stickerID.Int64
	}
	m.CreatedAt = fromMillis(createdAt)
	return m, nil
}

// GetMessage は指定IDのメッセージを取得する。見つからない場合はnilを返す。
func (s *SQLStore) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, message_text, sticker_package_id, sticker_id, created_at
		 FROM messages WHERE id = $1`), id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("get message", err)
	}
	return m, nil
}

// ListMessages はメッセージを新しい順に返す。
func (s *SQLStore) ListMessages(ctx context.Context) ([]*model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_text, sticker_package_id, sticker_id, created_at
		 FROM messages ORDER BY id DESC`)
	if err != nil {
		return nil, storeError("list messages", err)
	}
	defer rows.Close()

	var messages []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, storeError("scan message", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterate messages", err)
	}
	return messages, nil
}

// UpsertDeliveryStatus は配信記録を作成または上書きする。
func (s *SQLStore) UpsertDeliveryStatus(ctx context.Context, messageID int64, subject string, outcome model.DeliveryOutcome, errorDetail *string) error {
	now := toMillis(s.now())
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO delivery_statuses (message_id, sub, status, error_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (message_id, sub) DO UPDATE SET
		   status = excluded.status,
		   error_message = excluded.error_message,
		   updated_at = excluded.updated_at`),
		messageID, subject, string(outcome), errorDetail, now,
	)
	if err != nil {
		return storeError("upsert delivery status", err)
	}
	return nil
}

// ListDeliveryStatuses は配信記録を表示名・アイコンと結合して返す。
func (s *SQLStore) ListDeliveryStatuses(ctx context.Context, messageID int64) ([]*model.DeliveryStatusView, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT d.message_id, d.sub, d.status, d.error_message, d.created_at, d.updated_at,
		        b.name, b.picture
		 FROM delivery_statuses d
		 JOIN bindings b ON b.sub = d.sub
		 WHERE d.message_id = $1
		 ORDER BY d.created_at, d.sub`), messageID)
	if err != nil {
		return nil, storeError("list delivery statuses", err)
	}
	defer rows.Close()

	var statuses []*model.DeliveryStatusView
	for rows.Next() {
		v := &model.DeliveryStatusView{}
		var status string
		var detail sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(&v.MessageID, &v.Subject, &status, &detail, &createdAt, &updatedAt, &v.Name, &v.Picture); err != nil {
			return nil, storeError("scan delivery status", err)
		}
		v.Outcome = model.DeliveryOutcome(status)
		if detail.Valid {
			v.ErrorDetail = &detail.String
		}
		v.CreatedAt = fromMillis(createdAt)
		v.UpdatedAt = fromMillis(updatedAt)
		statuses = append(statuses, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterate delivery statuses", err)
	}
	return statuses, nil
}

// DeleteMessagesBefore はcutoffより前のメッセージを削除する。
func (s *SQLStore) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM messages WHERE created_at < $1`), toMillis(cutoff))
	if err != nil {
		return 0, storeError("delete messages", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, storeError("delete messages", err)
	}
	return n, nil
}

// compile-time interface check
var (
	_ BindingStore  = (*SQLStore)(nil)
	_ MessageLedger = (*SQLStore)(nil)
)
