package repository

import (
	"context"

	"gorm.io/gorm"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// handle 仓储共用的数据库句柄，事务内由 Manager 换成 tx
type handle struct {
	db *gorm.DB
}

func (h handle) with(ctx context.Context) *gorm.DB {
	return h.db.WithContext(ctx)
}

// Pagination 实验列表分页，Total 由查询回填
type Pagination struct {
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
}

// NewPagination 页码从 1 开始，页大小收敛到 [1, maxPageSize]
func NewPagination(page, pageSize int) *Pagination {
	p := &Pagination{Page: page, PageSize: pageSize}
	if p.Page < 1 {
		p.Page = 1
	}
	switch {
	case p.PageSize <= 0:
		p.PageSize = defaultPageSize
	case p.PageSize > maxPageSize:
		p.PageSize = maxPageSize
	}
	return p
}

// Scope 作为 gorm scope 使用
func (p *Pagination) Scope(db *gorm.DB) *gorm.DB {
	return db.Offset((p.Page - 1) * p.PageSize).Limit(p.PageSize)
}
