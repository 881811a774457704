package devbackend

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// newTestStore はデモデータ投入済みのインメモリストアを生成する。
func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := OpenStore(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.SeedDemo(context.Background()); err != nil {
		t.Fatalf("SeedDemo() error = %v", err)
	}
	return store
}

// TestStore はSQLiteストアを検証する。
func TestStore(t *testing.T) {
	t.Parallel()

	t.Run("正しいパスワードで認証できること", func(t *testing.T) {
		t.Parallel()

		store := newTestStore(t)
		u, err := store.Authenticate(context.Background(), " VET@example.com ", DemoPassword)
		if err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
		if u.OrganizationID != 1 || u.Email != "vet@example.com" {
			t.Errorf("user = %+v", u)
		}
	})

	t.Run("誤ったパスワードや未知のユーザーはErrInvalidCredentialsになること", func(t *testing.T) {
		t.Parallel()

		store := newTestStore(t)
		for _, tc := range [][2]string{{"vet@example.com", "wrong"}, {"nobody@example.com", DemoPassword}} {
			if _, err := store.Authenticate(context.Background(), tc[0], tc[1]); !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("Authenticate(%q) error = %v, want ErrInvalidCredentials", tc[0], err)
			}
		}
	})

	t.Run("組織ごとのクリニックが返ること", func(t *testing.T) {
		t.Parallel()

		store := newTestStore(t)
		clinics, err := store.Clinics(context.Background(), 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(clinics) != 2 || clinics[0].ID != 1 || clinics[1].ID != 2 {
			t.Errorf("clinics = %+v", clinics)
		}
	})

	t.Run("リフレッシュトークンの発行と失効", func(t *testing.T) {
		t.Parallel()

		store := newTestStore(t)
		ctx := context.Background()
		u, err := store.Authenticate(ctx, "vet@example.com", DemoPassword)
		if err != nil {
			t.Fatal(err)
		}
		token, err := store.CreateRefreshToken(ctx, u.ID, time.Hour)
		if err != nil {
			t.Fatal(err)
		}

		got, err := store.UserByRefreshToken(ctx, token, time.Now())
		if err != nil || got.ID != u.ID {
			t.Fatalf("UserByRefreshToken() = %+v, %v", got, err)
		}
		if _, err := store.UserByRefreshToken(ctx, token, time.Now().Add(2*time.Hour)); !errors.Is(err, ErrNotFound) {
			t.Errorf("期限切れ: error = %v, want ErrNotFound", err)
		}
		if err := store.RevokeRefreshToken(ctx, token); err != nil {
			t.Fatal(err)
		}
		if _, err := store.UserByRefreshToken(ctx, token, time.Now()); !errors.Is(err, ErrNotFound) {
			t.Errorf("失効後: error = %v, want ErrNotFound", err)
		}
		if _, err := store.UserByRefreshToken(ctx, "unknown", time.Now()); !errors.Is(err, ErrNotFound) {
			t.Errorf("未知: error = %v, want ErrNotFound", err)
		}
	})

	t.Run("クリニックで絞り込んで飼い主と患畜を取得できること", func(t *testing.T) {
		t.Parallel()

		store := newTestStore(t)
		ctx := context.Background()

		owners, err := store.Owners(ctx, []int64{1, 2})
		if err != nil {
			t.Fatal(err)
		}
		if len(owners) != 2 {
			t.Errorf("owners = %+v", owners)
		}

		created, err := store.CreateAnimal(ctx, Animal{ClinicID: 2, Name: "Sharik", Species: "dog"})
		if err != nil {
			t.Fatal(err)
		}
		animals, err := store.Animals(ctx, []int64{2})
		if err != nil {
			t.Fatal(err)
		}
		if len(animals) != 2 || animals[1].ID != created.ID || animals[1].OwnerID != nil || animals[0].OwnerID == nil {
			t.Errorf("animals = %+v", animals)
		}

		empty, err := store.Animals(ctx, nil)
		if err != nil || empty == nil || len(empty) != 0 {
			t.Errorf("Animals(nil) = %v, %v", empty, err)
		}
	})

	t.Run("SeedDemoは2回目以降何もしないこと", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "dev.db")
		ctx := context.Background()
		for i := 0; i < 2; i++ {
			store, err := OpenStore(ctx, path, nil)
			if err != nil {
				t.Fatal(err)
			}
			if err := store.SeedDemo(ctx); err != nil {
				t.Fatalf("%d回目: SeedDemo() error = %v", i+1, err)
			}
			store.Close()
		}
	})
}
