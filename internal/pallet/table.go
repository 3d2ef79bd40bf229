package pallet

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"assembly-line-supervisor/internal/types"
)

var (
	ErrInvalidPallet  = errors.New("invalid pallet code")
	ErrInvalidProduct = errors.New("invalid product code")
	ErrPalletInUse    = errors.New("pallet already associated")
)

// Association 托盘与产品的一次关联
type Association struct {
	Pallet    string    `json:"palete"`
	Product   string    `json:"produto"`
	CreatedAt time.Time `json:"horario"`
}

// Table 托盘 <-> 产品关联表，以及 NFC 卡号到托盘的映射。
// 产品在末工站放行后解除关联，托盘可以再次使用。
type Table struct {
	mu     sync.RWMutex
	cards  map[string]string
	active []Association
}

// NewTable cards: 卡号 -> 托盘编号
func NewTable(cards map[string]string) *Table {
	t := &Table{}
	t.SetCards(cards)
	return t
}

// NormalizeCard 统一卡号格式: 去掉首尾空白、合并空格、大写 (" c3 c3 64 ad" -> "C3 C3 64 AD")
func NormalizeCard(raw string) string {
	return strings.ToUpper(strings.Join(strings.Fields(raw), " "))
}

// SetCards 替换卡号映射 (配置热更新)
func (t *Table) SetCards(cards map[string]string) {
	m := make(map[string]string, len(cards))
	for card, pallet := range cards {
		m[NormalizeCard(card)] = strings.ToUpper(strings.TrimSpace(pallet))
	}
	t.mu.Lock()
	t.cards = m
	t.mu.Unlock()
}

// PalletForCard 卡号查托盘
func (t *Table) PalletForCard(card string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.cards[NormalizeCard(card)]
	return p, ok
}

// Associate 关联托盘与产品。托盘已被占用或编码非法时返回错误。
func (t *Table) Associate(pallet, product string, at time.Time) (Association, error) {
	pallet = strings.ToUpper(strings.TrimSpace(pallet))
	product = strings.ToUpper(strings.TrimSpace(product))
	if !types.ValidPalletCode(pallet) {
		return Association{}, fmt.Errorf("%w: %q", ErrInvalidPallet, pallet)
	}
	if !types.ValidProductCode(product) {
		return Association{}, fmt.Errorf("%w: %q", ErrInvalidProduct, product)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range t.active {
		if a.Pallet == pallet {
			return Association{}, fmt.Errorf("%w: %s -> %s", ErrPalletInUse, pallet, a.Product)
		}
	}
	a := Association{Pallet: pallet, Product: product, CreatedAt: at}
	t.active = append(t.active, a)
	return a, nil
}

// ProductForPallet 返回托盘最近一次关联的产品
func (t *Table) ProductForPallet(pallet string) (string, bool) {
	pallet = strings.ToUpper(strings.TrimSpace(pallet))
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := len(t.active) - 1; i >= 0; i-- {
		if t.active[i].Pallet == pallet {
			return t.active[i].Product, true
		}
	}
	return "", false
}

// Release 解除产品的全部关联
func (t *Table) Release(product string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.active[:0]
	for _, a := range t.active {
		if a.Product != product {
			kept = append(kept, a)
		}
	}
	t.active = kept
}

// Pallets 当前被占用的托盘，按编号排序
func (t *Table) Pallets() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.active))
	for _, a := range t.active {
		out = append(out, a.Pallet)
	}
	sort.Strings(out)
	return out
}

// Active 当前有效关联的副本
func (t *Table) Active() []Association {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Association(nil), t.active...)
}
