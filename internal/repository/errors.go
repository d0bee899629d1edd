package repository

import "errors"

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate 唯一约束冲突；调用方按"已存在"处理，不上抛给用户
	ErrDuplicate = errors.New("duplicate record")
)
