package domain

import "context"

// PositionRepository 持仓落库接口。内存台账是运行时权威，
// 落库是 write-behind，启动时回放存量持仓。
type PositionRepository interface {
	Save(ctx context.Context, position *Position) error
	Load(ctx context.Context) ([]*Position, error)
}
