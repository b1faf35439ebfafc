// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package typeutil

import (
	"cmp"
	"slices"
)

// UniqueID 为连接、会话等运行时实体的标识。
type UniqueID = int64

// UniqueSet 为 UniqueID 的集合，注册表的 pending 集与会话的连接集均使用它。
type UniqueSet = Set[UniqueID]

func NewUniqueSet(ids ...UniqueID) UniqueSet {
	return NewSet(ids...)
}

// Set 为基于 map 的集合，零值 nil 可读不可写。
type Set[T comparable] map[T]struct{}

func NewSet[T comparable](elements ...T) Set[T] {
	set := make(Set[T], len(elements))
	set.Insert(elements...)
	return set
}

// Insert 插入元素，已存在的元素被忽略。
func (set Set[T]) Insert(elements ...T) {
	for _, e := range elements {
		set[e] = struct{}{}
	}
}

// Contain 判断给定元素是否全部存在。
func (set Set[T]) Contain(elements ...T) bool {
	for _, e := range elements {
		if _, ok := set[e]; !ok {
			return false
		}
	}
	return true
}

// Remove 移除元素，不存在的元素被忽略。
func (set Set[T]) Remove(elements ...T) {
	for _, e := range elements {
		delete(set, e)
	}
}

func (set Set[T]) Len() int {
	return len(set)
}

// Collect 以任意顺序返回全部元素。
func (set Set[T]) Collect() []T {
	elements := make([]T, 0, len(set))
	for e := range set {
		elements = append(elements, e)
	}
	return elements
}

// Sorted 按升序返回全部元素。tick 内按 id 顺序处理连接，保证结果可复现。
func Sorted[T cmp.Ordered](set Set[T]) []T {
	ret := set.Collect()
	slices.Sort(ret)
	return ret
}
