// Package group はグループ名とメンバーのユーザーIDの対応を管理するディレクトリを提供する。
//
// メンバーシップは接続状態と独立しており、切断中のユーザーもグループに所属できる。
// 所属はプロセスが生きている間、再接続をまたいで維持される。
package group

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// defaultShardCount はグループ表のシャード数のデフォルト値。
const defaultShardCount = 16

// members は1つのグループのメンバー集合。
// メンバーの変更はグループ固有のロックで直列化する。
type members struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

// shard はグループ名→メンバー集合の表の1区画。
type shard struct {
	mu     sync.RWMutex
	groups map[string]*members
}

// Directory はグループディレクトリ。
type Directory struct {
	shards []*shard
}

// NewDirectory は新しいグループディレクトリを生成する。
func NewDirectory() *Directory {
	d := &Directory{shards: make([]*shard, defaultShardCount)}
	for i := range d.shards {
		d.shards[i] = &shard{groups: make(map[string]*members)}
	}
	return d
}

func (d *Directory) shardFor(name string) *shard {
	return d.shards[xxhash.Sum64String(name)%uint64(len(d.shards))]
}

// lookup はグループを取得する。createがtrueなら存在しない場合に作成する。
func (d *Directory) lookup(name string, create bool) *members {
	s := d.shardFor(name)
	s.mu.RLock()
	g, ok := s.groups[name]
	s.mu.RUnlock()
	if ok || !create {
		return g
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok = s.groups[name]; ok {
		return g
	}
	g = &members{set: make(map[string]struct{})}
	s.groups[name] = g
	return g
}

// Join はユーザーをグループに追加する。グループが無ければ作成する。冪等。
func (d *Directory) Join(name, userID string) {
	if name == "" || userID == "" {
		return
	}
	g := d.lookup(name, true)
	g.mu.Lock()
	g.set[userID] = struct{}{}
	g.mu.Unlock()
}

// Leave はユーザーをグループから外す。
// メンバーが0人になってもグループは削除せず、列挙対象に残る。
func (d *Directory) Leave(name, userID string) {
	g := d.lookup(name, false)
	if g == nil {
		return
	}
	g.mu.Lock()
	delete(g.set, userID)
	g.mu.Unlock()
}

// MembersOf はグループの現在のメンバーのスナップショットを返す。
// 未知のグループの場合は空のスライスを返す。
func (d *Directory) MembersOf(name string) []string {
	g := d.lookup(name, false)
	if g == nil {
		return []string{}
	}
	g.mu.RLock()
	out := make([]string, 0, len(g.set))
	for userID := range g.set {
		out = append(out, userID)
	}
	g.mu.RUnlock()
	sort.Strings(out)
	return out
}

// IsMember はユーザーがグループに所属しているかを返す。
func (d *Directory) IsMember(name, userID string) bool {
	g := d.lookup(name, false)
	if g == nil {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.set[userID]
	return ok
}

// GroupNames は既知のグループ名を、メンバー0人のものも含めて返す。
func (d *Directory) GroupNames() []string {
	names := []string{}
	for _, s := range d.shards {
		s.mu.RLock()
		for name := range s.groups {
			names = append(names, name)
		}
		s.mu.RUnlock()
	}
	sort.Strings(names)
	return names
}
