package connection

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
)

// TestRegistryRegister はRegisterとSessionsForの基本動作を検証する。
func TestRegistryRegister(t *testing.T) {
	t.Parallel()

	t.Run("1ユーザーが複数セッションを保持できること", func(t *testing.T) {
		t.Parallel()

		r := NewRegistry()
		r.Register("s1", "user-1")
		r.Register("s2", "user-1")

		got := r.SessionsFor("user-1")
		want := []string{"s1", "s2"}
		if !slices.Equal(got, want) {
			t.Errorf("SessionsFor() = %v, want %v", got, want)
		}
	})

	t.Run("同じ登録を繰り返しても重複しないこと", func(t *testing.T) {
		t.Parallel()

		r := NewRegistry()
		r.Register("s1", "user-1")
		r.Register("s1", "user-1")

		if got := r.SessionsFor("user-1"); len(got) != 1 {
			t.Errorf("セッション数 = %d, want 1", len(got))
		}
		if got := r.SessionCount(); got != 1 {
			t.Errorf("SessionCount() = %d, want 1", got)
		}
	})

	t.Run("別ユーザーで再登録すると上書きされること", func(t *testing.T) {
		t.Parallel()

		r := NewRegistry()
		r.Register("s1", "user-1")
		r.Register("s1", "user-2")

		if got := r.SessionsFor("user-1"); len(got) != 0 {
			t.Errorf("user-1のセッション = %v, want 空", got)
		}
		if got := r.SessionsFor("user-2"); !slices.Equal(got, []string{"s1"}) {
			t.Errorf("user-2のセッション = %v, want [s1]", got)
		}
		if userID, _ := r.UserOf("s1"); userID != "user-2" {
			t.Errorf("UserOf(s1) = %q, want user-2", userID)
		}
	})

	t.Run("空のIDは登録されないこと", func(t *testing.T) {
		t.Parallel()

		r := NewRegistry()
		r.Register("", "user-1")
		r.Register("s1", "")

		if got := r.SessionCount(); got != 0 {
			t.Errorf("SessionCount() = %d, want 0", got)
		}
	})
}

// TestRegistryUnregister はUnregisterの動作を検証する。
func TestRegistryUnregister(t *testing.T) {
	t.Parallel()

	t.Run("2回呼び出してもパニックしないこと", func(t *testing.T) {
		t.Parallel()

		r := NewRegistry()
		r.Register("s1", "user-1")
		r.Unregister("s1")
		r.Unregister("s1")
		r.Unregister("unknown")

		if got := r.ConnectedUsers(); len(got) != 0 {
			t.Errorf("ConnectedUsers() = %v, want 空", got)
		}
	})

	t.Run("最後のセッションの解除を報告すること", func(t *testing.T) {
		t.Parallel()

		r := NewRegistry()
		r.Register("s1", "user-1")
		r.Register("s2", "user-1")

		userID, last := r.UnregisterReport("s1")
		if userID != "user-1" || last {
			t.Errorf("UnregisterReport(s1) = (%q, %v), want (user-1, false)", userID, last)
		}
		userID, last = r.UnregisterReport("s2")
		if userID != "user-1" || !last {
			t.Errorf("UnregisterReport(s2) = (%q, %v), want (user-1, true)", userID, last)
		}
		if userID, last = r.UnregisterReport("s2"); userID != "" || last {
			t.Errorf("未登録セッションのUnregisterReport = (%q, %v), want (\"\", false)", userID, last)
		}
	})
}

// TestRegistrySnapshot はSessionsForの戻り値がスナップショットであることを検証する。
func TestRegistrySnapshot(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("s1", "user-1")

	snapshot := r.SessionsFor("user-1")
	r.Register("s2", "user-1")
	r.Unregister("s1")

	if !slices.Equal(snapshot, []string{"s1"}) {
		t.Errorf("スナップショットが変化した: %v", snapshot)
	}
}

// TestRegistryConnectedUsers はConnectedUsersが重複のないユーザー一覧を返すことを検証する。
func TestRegistryConnectedUsers(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("s1", "user-b")
	r.Register("s2", "user-a")
	r.Register("s3", "user-a")

	got := r.ConnectedUsers()
	want := []string{"user-a", "user-b"}
	if !slices.Equal(got, want) {
		t.Errorf("ConnectedUsers() = %v, want %v", got, want)
	}
}

// TestRegistryConcurrent は並行した登録・解除で状態が破綻しないことを検証する。
func TestRegistryConcurrent(t *testing.T) {
	t.Parallel()

	r := newRegistry(4)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessionID := fmt.Sprintf("s-%d", i)
			userID := fmt.Sprintf("user-%d", i%5)
			r.Register(sessionID, userID)
			_ = r.SessionsFor(userID)
			_ = r.ConnectedUsers()
			if i%2 == 0 {
				r.Unregister(sessionID)
			}
		}(i)
	}
	wg.Wait()

	if got := r.SessionCount(); got != 25 {
		t.Errorf("SessionCount() = %d, want 25", got)
	}
	total := 0
	for _, userID := range r.ConnectedUsers() {
		total += len(r.SessionsFor(userID))
	}
	if total != 25 {
		t.Errorf("逆引きのセッション合計 = %d, want 25", total)
	}
}

// TestRegistryRegisterReport はRegisterReportがユーザーの最初のセッションだけを報告することを検証する。
func TestRegistryRegisterReport(t *testing.T) {
	t.Parallel()

	t.Run("最初のセッションでのみtrueを返すこと", func(t *testing.T) {
		t.Parallel()

		r := NewRegistry()
		if first := r.RegisterReport("s1", "user-1"); !first {
			t.Errorf("RegisterReport(s1) = %v, want true", first)
		}
		if first := r.RegisterReport("s2", "user-1"); first {
			t.Errorf("RegisterReport(s2) = %v, want false", first)
		}
		if first := r.RegisterReport("s1", "user-1"); first {
			t.Errorf("再登録のRegisterReport(s1) = %v, want false", first)
		}
		if first := r.RegisterReport("", "user-1"); first {
			t.Errorf("空のセッションIDのRegisterReport = %v, want false", first)
		}
	})

	t.Run("全セッションの切断後は再びtrueを返すこと", func(t *testing.T) {
		t.Parallel()

		r := NewRegistry()
		r.RegisterReport("s1", "user-1")
		r.Unregister("s1")
		if first := r.RegisterReport("s2", "user-1"); !first {
			t.Errorf("RegisterReport(s2) = %v, want true", first)
		}
	})

	t.Run("同時に開いたセッションのうち1つだけがtrueを受け取ること", func(t *testing.T) {
		t.Parallel()

		for range 100 {
			r := newRegistry(4)
			var firsts atomic.Int64
			var wg sync.WaitGroup
			for i := range 8 {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if r.RegisterReport(fmt.Sprintf("s-%d", i), "user-1") {
						firsts.Add(1)
					}
				}(i)
			}
			wg.Wait()

			if got := firsts.Load(); got != 1 {
				t.Fatalf("最初のセッションの報告回数 = %d, want 1", got)
			}
		}
	})
}
