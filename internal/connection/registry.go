package connection

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// defaultShardCount はレジストリのシャード数のデフォルト値。
const defaultShardCount = 32

// sessionShard はセッションID→ユーザーIDの対応を保持するシャード。
type sessionShard struct {
	mu       sync.RWMutex
	sessions map[string]string
}

// userShard はユーザーID→セッションID集合の逆引きを保持するシャード。
type userShard struct {
	mu    sync.RWMutex
	users map[string]map[string]struct{}
}

// Registry はセッションとユーザーの双方向マッピング。
// ゼロ値は使用できないため NewRegistry で生成すること。
type Registry struct {
	// sessionShards はセッションIDでシャーディングした正引きテーブル。
	sessionShards []*sessionShard
	// userShards はユーザーIDでシャーディングした逆引きテーブル。
	userShards []*userShard
}

// NewRegistry は新しいレジストリを生成する。
func NewRegistry() *Registry {
	return newRegistry(defaultShardCount)
}

func newRegistry(shards int) *Registry {
	r := &Registry{
		sessionShards: make([]*sessionShard, shards),
		userShards:    make([]*userShard, shards),
	}
	for i := range shards {
		r.sessionShards[i] = &sessionShard{sessions: make(map[string]string)}
		r.userShards[i] = &userShard{users: make(map[string]map[string]struct{})}
	}
	return r
}

func (r *Registry) sessionShardFor(sessionID string) *sessionShard {
	return r.sessionShards[xxhash.Sum64String(sessionID)%uint64(len(r.sessionShards))]
}

func (r *Registry) userShardFor(userID string) *userShard {
	return r.userShards[xxhash.Sum64String(userID)%uint64(len(r.userShards))]
}

// Register はセッションとユーザーを対応付ける。
// 同じセッションIDが別ユーザーに登録済みの場合は上書きする。冪等。
func (r *Registry) Register(sessionID, userID string) {
	r.RegisterReport(sessionID, userID)
}

// RegisterReport は Register と同じだが、この登録でユーザーのセッションが
// 0件から1件になったかどうかを返す。同時に複数のセッションが開いても、trueを返すのは1回だけ。
func (r *Registry) RegisterReport(sessionID, userID string) (firstSession bool) {
	if sessionID == "" || userID == "" {
		return false
	}

	// 正引きシャードのロックを保持したまま逆引きを更新する。
	// 逆引きシャードのロック中に正引きシャードを取ることはないのでデッドロックしない。
	ss := r.sessionShardFor(sessionID)
	ss.mu.Lock()
	defer ss.mu.Unlock()

	prev, exists := ss.sessions[sessionID]
	if exists && prev == userID {
		return false
	}
	if exists {
		r.removeFromUser(prev, sessionID)
	}
	ss.sessions[sessionID] = userID
	return r.addToUser(userID, sessionID)
}

// Unregister はセッションの対応を削除する。未登録の場合は何もしない。
func (r *Registry) Unregister(sessionID string) {
	ss := r.sessionShardFor(sessionID)
	ss.mu.Lock()
	defer ss.mu.Unlock()

	userID, ok := ss.sessions[sessionID]
	if !ok {
		return
	}
	delete(ss.sessions, sessionID)
	r.removeFromUser(userID, sessionID)
}

// UnregisterReport は Unregister と同じだが、削除したセッションの所有ユーザーと、
// そのユーザーのセッションが0件になったかどうかを返す。
func (r *Registry) UnregisterReport(sessionID string) (userID string, lastSession bool) {
	ss := r.sessionShardFor(sessionID)
	ss.mu.Lock()
	defer ss.mu.Unlock()

	userID, ok := ss.sessions[sessionID]
	if !ok {
		return "", false
	}
	delete(ss.sessions, sessionID)
	return userID, r.removeFromUser(userID, sessionID)
}

// addToUser は逆引きにセッションを加え、ユーザーの最初のセッションならtrueを返す。
func (r *Registry) addToUser(userID, sessionID string) bool {
	us := r.userShardFor(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	set, ok := us.users[userID]
	if !ok {
		set = make(map[string]struct{})
		us.users[userID] = set
	}
	set[sessionID] = struct{}{}
	return !ok
}

// removeFromUser は逆引きからセッションを外し、ユーザーのセッションが尽きたらtrueを返す。
func (r *Registry) removeFromUser(userID, sessionID string) bool {
	us := r.userShardFor(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	set, ok := us.users[userID]
	if !ok {
		return false
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(us.users, userID)
		return true
	}
	return false
}

// SessionsFor はユーザーが保持しているライブセッションIDのスナップショットを返す。
// 戻り値は呼び出し後の登録・解除の影響を受けない。
func (r *Registry) SessionsFor(userID string) []string {
	us := r.userShardFor(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()

	set := us.users[userID]
	sessions := make([]string, 0, len(set))
	for id := range set {
		sessions = append(sessions, id)
	}
	sort.Strings(sessions)
	return sessions
}

// UserOf はセッションを所有するユーザーIDを返す。
func (r *Registry) UserOf(sessionID string) (string, bool) {
	ss := r.sessionShardFor(sessionID)
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	userID, ok := ss.sessions[sessionID]
	return userID, ok
}

// ConnectedUsers は現在1つ以上のセッションを持つユーザーIDの一覧を返す。
func (r *Registry) ConnectedUsers() []string {
	var users []string
	for _, us := range r.userShards {
		us.mu.RLock()
		for userID := range us.users {
			users = append(users, userID)
		}
		us.mu.RUnlock()
	}
	sort.Strings(users)
	if users == nil {
		return []string{}
	}
	return users
}

// SessionCount は登録中のセッション数を返す。
func (r *Registry) SessionCount() int {
	n := 0
	for _, ss := range r.sessionShards {
		ss.mu.RLock()
		n += len(ss.sessions)
		ss.mu.RUnlock()
	}
	return n
}
