package credstore

import (
	"context"
	"path/filepath"
	"testing"
)

// TestSQLite はSQLite Backendを検証する。
func TestSQLite(t *testing.T) {
	t.Parallel()

	t.Run("インメモリDBでCredentialsの共通動作を満たすこと", func(t *testing.T) {
		t.Parallel()

		store, err := OpenSQLite(context.Background(), ":memory:", nil)
		if err != nil {
			t.Fatalf("OpenSQLite()でエラーが発生: %v", err)
		}
		t.Cleanup(func() { store.Close() })

		testCredentials(t, store)
	})

	t.Run("ファイルを開き直しても値が残ること", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "credentials.db")

		store, err := OpenSQLite(ctx, path, nil)
		if err != nil {
			t.Fatalf("OpenSQLite()でエラーが発生: %v", err)
		}
		if err := New(store).SetToken(ctx, "persisted"); err != nil {
			t.Fatalf("SetToken()でエラーが発生: %v", err)
		}
		if err := store.Close(); err != nil {
			t.Fatalf("Close()でエラーが発生: %v", err)
		}

		// 2回目のOpenではマイグレーションが再適用されないこと
		reopened, err := OpenSQLite(ctx, path, nil)
		if err != nil {
			t.Fatalf("再OpenSQLite()でエラーが発生: %v", err)
		}
		t.Cleanup(func() { reopened.Close() })

		got, err := New(reopened).Token(ctx)
		if err != nil {
			t.Fatalf("Token()でエラーが発生: %v", err)
		}
		if got != "persisted" {
			t.Errorf("Token() = %q, want %q", got, "persisted")
		}
	})

	t.Run("存在しないキーの削除でエラーにならないこと", func(t *testing.T) {
		t.Parallel()

		store, err := OpenSQLite(context.Background(), ":memory:", nil)
		if err != nil {
			t.Fatalf("OpenSQLite()でエラーが発生: %v", err)
		}
		t.Cleanup(func() { store.Close() })

		if err := store.Delete(context.Background(), KeyToken, KeyStorage); err != nil {
			t.Fatalf("Delete()でエラーが発生: %v", err)
		}
	})
}
