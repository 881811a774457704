package devbackend

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/nao1215/vetclinic/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrNotFound は対象のレコードが存在しないことを表す。
	ErrNotFound = errors.New("レコードが見つかりません")
	// ErrInvalidCredentials はメールアドレスまたはパスワードが一致しないことを表す。
	ErrInvalidCredentials = errors.New("メールアドレスまたはパスワードが正しくありません")
)

// User はログインユーザー。
type User struct {
	ID             string
	OrganizationID int64
	Email          string
	PasswordHash   string
}

// Clinic はクリニック。
type Clinic struct {
	ID             int64  `json:"id"`
	OrganizationID int64  `json:"organizationId"`
	Name           string `json:"name"`
}

// Owner は飼い主。
type Owner struct {
	ID       int64  `json:"id"`
	ClinicID int64  `json:"clinicId"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
}

// Animal は患畜。
type Animal struct {
	ID       int64  `json:"id"`
	ClinicID int64  `json:"clinicId"`
	OwnerID  *int64 `json:"ownerId,omitempty"`
	Name     string `json:"name"`
	Species  string `json:"species"`
}

// Store は開発用バックエンドのSQLiteストア。
type Store struct {
	db *sql.DB
}

// OpenStore はSQLiteデータベースを開き、マイグレーションを適用する。
func OpenStore(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migration.Run(ctx, db, migrationsFS, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &Store{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping はデータベースに接続できるかを確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateOrganization は組織とそのクリニックを作成する。
func (s *Store) CreateOrganization(ctx context.Context, id int64, name string, clinics ...Clinic) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "INSERT INTO organizations (id, name) VALUES (?, ?)", id, name); err != nil {
		return fmt.Errorf("組織の作成に失敗: %w", err)
	}
	for _, c := range clinics {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO clinics (id, organization_id, name) VALUES (?, ?, ?)", c.ID, id, c.Name,
		); err != nil {
			return fmt.Errorf("クリニック %d の作成に失敗: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("コミットに失敗: %w", err)
	}
	return nil
}

// CreateUser はユーザーを作成する。パスワードはbcryptでハッシュ化して保存する。
func (s *Store) CreateUser(ctx context.Context, orgID int64, email, password string) (User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("パスワードのハッシュ化に失敗: %w", err)
	}
	u := User{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Email:          strings.ToLower(email),
		PasswordHash:   string(hash),
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, organization_id, email, password_hash) VALUES (?, ?, ?, ?)",
		u.ID, u.OrganizationID, u.Email, u.PasswordHash,
	); err != nil {
		return User{}, fmt.Errorf("ユーザーの作成に失敗: %w", err)
	}
	return u, nil
}

// Authenticate はメールアドレスとパスワードを検証してユーザーを返す。
func (s *Store) Authenticate(ctx context.Context, email, password string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, organization_id, email, password_hash FROM users WHERE email = ?",
		strings.ToLower(strings.TrimSpace(email)),
	).Scan(&u.ID, &u.OrganizationID, &u.Email, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

// Clinics は組織のクリニック一覧をID順で返す。
func (s *Store) Clinics(ctx context.Context, orgID int64) ([]Clinic, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, organization_id, name FROM clinics WHERE organization_id = ? ORDER BY id", orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("クリニックの取得に失敗: %w", err)
	}
	defer rows.Close()

	clinics := make([]Clinic, 0)
	for rows.Next() {
		var c Clinic
		if err := rows.Scan(&c.ID, &c.OrganizationID, &c.Name); err != nil {
			return nil, fmt.Errorf("クリニックの読み取りに失敗: %w", err)
		}
		clinics = append(clinics, c)
	}
	return clinics, rows.Err()
}

// CreateRefreshToken は有効期限ttlのリフレッシュトークンを発行する。
func (s *Store) CreateRefreshToken(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO refresh_tokens (token, user_id, expires_at) VALUES (?, ?, ?)",
		token, userID, time.Now().Add(ttl).Unix(),
	); err != nil {
		return "", fmt.Errorf("リフレッシュトークンの保存に失敗: %w", err)
	}
	return token, nil
}

// UserByRefreshToken は有効なリフレッシュトークンの持ち主を返す。
// 失効済み、期限切れ、未知のトークンはErrNotFoundになる。
func (s *Store) UserByRefreshToken(ctx context.Context, token string, now time.Time) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
SELECT u.id, u.organization_id, u.email, u.password_hash
FROM refresh_tokens r JOIN users u ON u.id = r.user_id
WHERE r.token = ? AND r.revoked = 0 AND r.expires_at > ?`,
		token, now.Unix(),
	).Scan(&u.ID, &u.OrganizationID, &u.Email, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("リフレッシュトークンの検証に失敗: %w", err)
	}
	return u, nil
}

// RevokeRefreshToken はリフレッシュトークンを失効させる。未知のトークンは無視する。
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE refresh_tokens SET revoked = 1 WHERE token = ?", token); err != nil {
		return fmt.Errorf("リフレッシュトークンの失効に失敗: %w", err)
	}
	return nil
}

// inClause は "IN (?, ?, ...)" とその引数を組み立てる。
func inClause(ids []int64) (string, []any) {
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	return "IN (" + strings.Join(marks, ", ") + ")", args
}

// Owners は指定したクリニックの飼い主一覧を返す。
func (s *Store) Owners(ctx context.Context, clinicIDs []int64) ([]Owner, error) {
	owners := make([]Owner, 0)
	if len(clinicIDs) == 0 {
		return owners, nil
	}
	in, args := inClause(clinicIDs)
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, clinic_id, name, phone FROM owners WHERE clinic_id "+in+" ORDER BY id", args...,
	)
	if err != nil {
		return nil, fmt.Errorf("飼い主の取得に失敗: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var o Owner
		if err := rows.Scan(&o.ID, &o.ClinicID, &o.Name, &o.Phone); err != nil {
			return nil, fmt.Errorf("飼い主の読み取りに失敗: %w", err)
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

// CreateOwner は飼い主を登録する。
func (s *Store) CreateOwner(ctx context.Context, o Owner) (Owner, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO owners (clinic_id, name, phone) VALUES (?, ?, ?)", o.ClinicID, o.Name, o.Phone,
	)
	if err != nil {
		return Owner{}, fmt.Errorf("飼い主の登録に失敗: %w", err)
	}
	if o.ID, err = res.LastInsertId(); err != nil {
		return Owner{}, fmt.Errorf("飼い主IDの取得に失敗: %w", err)
	}
	return o, nil
}

// Animals は指定したクリニックの患畜一覧を返す。
func (s *Store) Animals(ctx context.Context, clinicIDs []int64) ([]Animal, error) {
	animals := make([]Animal, 0)
	if len(clinicIDs) == 0 {
		return animals, nil
	}
	in, args := inClause(clinicIDs)
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, clinic_id, owner_id, name, species FROM animals WHERE clinic_id "+in+" ORDER BY id", args...,
	)
	if err != nil {
		return nil, fmt.Errorf("患畜の取得に失敗: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a       Animal
			ownerID sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.ClinicID, &ownerID, &a.Name, &a.Species); err != nil {
			return nil, fmt.Errorf("患畜の読み取りに失敗: %w", err)
		}
		if ownerID.Valid {
			a.OwnerID = &ownerID.Int64
		}
		animals = append(animals, a)
	}
	return animals, rows.Err()
}

// CreateAnimal は患畜を登録する。
func (s *Store) CreateAnimal(ctx context.Context, a Animal) (Animal, error) {
	var ownerID sql.NullInt64
	if a.OwnerID != nil {
		ownerID = sql.NullInt64{Int64: *a.OwnerID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO animals (clinic_id, owner_id, name, species) VALUES (?, ?, ?, ?)",
		a.ClinicID, ownerID, a.Name, a.Species,
	)
	if err != nil {
		return Animal{}, fmt.Errorf("患畜の登録に失敗: %w", err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return Animal{}, fmt.Errorf("患畜IDの取得に失敗: %w", err)
	}
	return a, nil
}

// DemoPassword はSeedDemoで作成するユーザーのパスワード。
const DemoPassword = "password"

// SeedDemo は組織が1件も無い場合にデモ用のデータを投入する。
//
//   - 組織1 (Happy Paws): クリニック1, 2、ユーザー vet@example.com
//   - 組織2 (City Vets): クリニック3、ユーザー admin@cityvets.example.com
func (s *Store) SeedDemo(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM organizations").Scan(&n); err != nil {
		return fmt.Errorf("組織数の取得に失敗: %w", err)
	}
	if n > 0 {
		return nil
	}

	if err := s.CreateOrganization(ctx, 1, "Happy Paws",
		Clinic{ID: 1, Name: "Happy Paws Central"},
		Clinic{ID: 2, Name: "Happy Paws North"},
	); err != nil {
		return err
	}
	if err := s.CreateOrganization(ctx, 2, "City Vets", Clinic{ID: 3, Name: "City Vets Downtown"}); err != nil {
		return err
	}
	if _, err := s.CreateUser(ctx, 1, "vet@example.com", DemoPassword); err != nil {
		return err
	}
	if _, err := s.CreateUser(ctx, 2, "admin@cityvets.example.com", DemoPassword); err != nil {
		return err
	}

	owners := []Owner{
		{ClinicID: 1, Name: "Aliyev Rashad", Phone: "+994-50-000-0001"},
		{ClinicID: 2, Name: "Ivanova Olga", Phone: "+7-900-000-0002"},
		{ClinicID: 3, Name: "John Smith", Phone: "+1-555-0003"},
	}
	for _, o := range owners {
		created, err := s.CreateOwner(ctx, o)
		if err != nil {
			return err
		}
		if _, err := s.CreateAnimal(ctx, Animal{ClinicID: created.ClinicID, OwnerID: &created.ID, Name: "Pet of " + created.Name, Species: "cat"}); err != nil {
			return err
		}
	}
	return nil
}
