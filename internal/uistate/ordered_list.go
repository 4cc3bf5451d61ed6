// ordered_list.go: 有序列表 + id 索引的写时复制容器 (顶层时间线与 cluster 子条目共用)。
package uistate

import (
	"encoding/json"
	"maps"
	"slices"
)

// Keyed 可按 id 寻址的元素。
type Keyed interface {
	Key() string
}

// OrderedList is an ordered slice plus an id→position index.
//
// 所有修改方法返回新列表, 接收者保持不变; 未修改的元素与旧列表共享。
// 零值可直接使用。
type OrderedList[T Keyed] struct {
	items []T
	index map[string]int
}

// NewOrderedList 从切片构建列表; 重复 id 保留首个。
func NewOrderedList[T Keyed](items ...T) OrderedList[T] {
	out := OrderedList[T]{
		items: make([]T, 0, len(items)),
		index: make(map[string]int, len(items)),
	}
	for _, item := range items {
		if _, dup := out.index[item.Key()]; dup {
			continue
		}
		out.index[item.Key()] = len(out.items)
		out.items = append(out.items, item)
	}
	return out
}

// Len 元素个数。
func (l OrderedList[T]) Len() int { return len(l.items) }

// IsZero 供 json omitzero 使用。
func (l OrderedList[T]) IsZero() bool { return len(l.items) == 0 }

// At 按位置取元素。
func (l OrderedList[T]) At(i int) T { return l.items[i] }

// Items 返回元素副本。
func (l OrderedList[T]) Items() []T { return slices.Clone(l.items) }

// All 按顺序遍历 (不复制)。
func (l OrderedList[T]) All(yield func(int, T) bool) {
	for i, item := range l.items {
		if !yield(i, item) {
			return
		}
	}
}

// IndexOf 返回 id 所在位置, 不存在返回 -1。
func (l OrderedList[T]) IndexOf(id string) int {
	if i, ok := l.index[id]; ok {
		return i
	}
	return -1
}

// Has 判断 id 是否存在。
func (l OrderedList[T]) Has(id string) bool {
	_, ok := l.index[id]
	return ok
}

// Get 按 id 取元素。
func (l OrderedList[T]) Get(id string) (T, bool) {
	i, ok := l.index[id]
	if !ok {
		var zero T
		return zero, false
	}
	return l.items[i], true
}

// Last 返回末尾元素。
func (l OrderedList[T]) Last() (T, bool) {
	if len(l.items) == 0 {
		var zero T
		return zero, false
	}
	return l.items[len(l.items)-1], true
}

// Put 追加新元素; id 已存在时原位替换 (位置不变)。
func (l OrderedList[T]) Put(item T) OrderedList[T] {
	id := item.Key()
	if i, ok := l.index[id]; ok {
		items := slices.Clone(l.items)
		items[i] = item
		return OrderedList[T]{items: items, index: l.index}
	}
	items := make([]T, len(l.items), len(l.items)+1)
	copy(items, l.items)
	index := make(map[string]int, len(l.index)+1)
	maps.Copy(index, l.index)
	index[id] = len(items)
	return OrderedList[T]{items: append(items, item), index: index}
}

// Update 对 id 对应元素应用 fn; id 不存在时返回原列表与 false。
// fn 不得修改元素 id。
func (l OrderedList[T]) Update(id string, fn func(T) T) (OrderedList[T], bool) {
	i, ok := l.index[id]
	if !ok {
		return l, false
	}
	items := slices.Clone(l.items)
	items[i] = fn(items[i])
	return OrderedList[T]{items: items, index: l.index}, true
}

// Remove 删除给定 id (不存在的忽略); 没有命中时返回原列表。
func (l OrderedList[T]) Remove(ids ...string) OrderedList[T] {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := l.index[id]; ok {
			drop[id] = struct{}{}
		}
	}
	if len(drop) == 0 {
		return l
	}
	items := make([]T, 0, len(l.items)-len(drop))
	index := make(map[string]int, len(l.items)-len(drop))
	for _, item := range l.items {
		if _, gone := drop[item.Key()]; gone {
			continue
		}
		index[item.Key()] = len(items)
		items = append(items, item)
	}
	return OrderedList[T]{items: items, index: index}
}

// RemoveFunc 删除 pred 命中的元素。
func (l OrderedList[T]) RemoveFunc(pred func(T) bool) OrderedList[T] {
	var ids []string
	for _, item := range l.items {
		if pred(item) {
			ids = append(ids, item.Key())
		}
	}
	return l.Remove(ids...)
}

// Map 一次遍历改写元素: fn 返回 changed=false 的元素原样共享。
// 若有元素 id 改变, 索引整体重建; 改名产生重复 id 时保留靠前者。
func (l OrderedList[T]) Map(fn func(T) (T, bool)) OrderedList[T] {
	var items []T
	renamed := false
	for i, item := range l.items {
		next, changed := fn(item)
		if !changed {
			continue
		}
		if items == nil {
			items = slices.Clone(l.items)
		}
		if next.Key() != item.Key() {
			renamed = true
		}
		items[i] = next
	}
	if items == nil {
		return l
	}
	if renamed {
		return NewOrderedList(items...)
	}
	return OrderedList[T]{items: items, index: l.index}
}

// MarshalJSON 输出为数组。
func (l OrderedList[T]) MarshalJSON() ([]byte, error) {
	if l.items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l.items)
}

// UnmarshalJSON 从数组重建列表与索引。
func (l *OrderedList[T]) UnmarshalJSON(data []byte) error {
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*l = NewOrderedList(items...)
	return nil
}

// consistent 校验索引与切片一致 (测试用)。
func (l OrderedList[T]) consistent() bool {
	if len(l.index) != len(l.items) {
		return false
	}
	for i, item := range l.items {
		if j, ok := l.index[item.Key()]; !ok || j != i {
			return false
		}
	}
	return true
}
