package store

import (
	"errors"
	"fmt"
	"time"

	"grid-maker-go/inventory"
	"grid-maker-go/order"
	"grid-maker-go/risk"
)

// ErrNoSnapshot 尚无已保存的快照。
var ErrNoSnapshot = errors.New("no snapshot")

// ErrSymbolMismatch 快照属于其他交易对。
var ErrSymbolMismatch = errors.New("snapshot symbol mismatch")

// snapshotVersion 快照格式版本，字段不兼容变化时递增。
const snapshotVersion = 1

// Snapshot 进程重启需要恢复的全部状态。网格档位每轮重算，不落盘。
type Snapshot struct {
	Version    int                `json:"version"`
	Symbol     string             `json:"symbol"`
	SavedAt    time.Time          `json:"saved_at"`
	Orders     []order.Order      `json:"orders"`
	Position   inventory.Position `json:"position"`
	Risk       risk.State         `json:"risk"`
	GridCenter float64            `json:"grid_center"`
}

// Store 快照持久化。实现需支持并发调用。
type Store interface {
	Save(snap Snapshot) error
	// Load 返回 symbol 的最近快照；不存在时返回 ErrNoSnapshot。
	Load(symbol string) (Snapshot, error)
	Clear(symbol string) error
	Close() error
}

// Open 按驱动名创建存储；"" 与 "none" 返回不落盘的 Nop。
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", "none":
		return Nop{}, nil
	case "file":
		return NewFileStore(path)
	case "pebble":
		return NewPebbleStore(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// Nop 丢弃所有写入。
type Nop struct{}

func (Nop) Save(Snapshot) error { return nil }
func (Nop) Load(string) (Snapshot, error) { return Snapshot{}, ErrNoSnapshot }
func (Nop) Clear(string) error { return nil }
func (Nop) Close() error { return nil }

func prepare(snap Snapshot) (Snapshot, error) {
	if snap.Symbol == "" {
		return snap, errors.New("snapshot symbol is required")
	}
	if snap.Version == 0 {
		snap.Version = snapshotVersion
	}
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}
	// 只保留活跃订单
	live := make([]order.Order, 0, len(snap.Orders))
	for _, o := range snap.Orders {
		if o.Active() {
			live = append(live, o)
		}
	}
	snap.Orders = live
	return snap, nil
}

func checkLoaded(snap Snapshot, symbol string) (Snapshot, error) {
	if snap.Version > snapshotVersion {
		return Snapshot{}, fmt.Errorf("snapshot version %d is newer than supported %d", snap.Version, snapshotVersion)
	}
	if symbol != "" && snap.Symbol != symbol {
		return Snapshot{}, fmt.Errorf("%w: have %s, want %s", ErrSymbolMismatch, snap.Symbol, symbol)
	}
	return snap, nil
}
