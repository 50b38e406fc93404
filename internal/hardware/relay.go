package hardware

import (
	"context"
	"fmt"

	apperrors "github.com/wfunc/phstat/internal/errors"
)

// 8-MOSFET 板 IO 扩展寄存器
const (
	relayRegOutput byte = 0x01
	relayRegConfig byte = 0x03

	relayChannels = 8
)

// MosfetBoard 8 路 MOSFET 板，是泵线路的唯一持有者
type MosfetBoard struct {
	exec Executor
	addr Address
}

// NewMosfetBoard 创建 MOSFET 板驱动，地址为 base + stack
func NewMosfetBoard(exec Executor, base Address, stack int) *MosfetBoard {
	return &MosfetBoard{
		exec: exec,
		addr: base + Address(stack),
	}
}

// Address 返回板地址
func (b *MosfetBoard) Address() Address { return b.addr }

// Init 所有通道配置为输出并关闭
func (b *MosfetBoard) Init(ctx context.Context) error {
	addr := b.addr
	_, err := b.exec.Execute(ctx, Operation{
		Name: "relay.init",
		Run: func(t Transport) ([]byte, error) {
			if err := t.Write(addr, []byte{relayRegOutput, 0x00}); err != nil {
				return nil, err
			}
			return nil, t.Write(addr, []byte{relayRegConfig, 0x00})
		},
	})
	return err
}

// Set 设置通道（从 1 开始）。读-改-写作为一个整体操作，重复设置同一状态无副作用
func (b *MosfetBoard) Set(ctx context.Context, channel int, on bool) error {
	if channel < 1 || channel > relayChannels {
		return apperrors.Newf(apperrors.ErrInvalidParam, "通道 %d 超出 1-%d", channel, relayChannels)
	}
	addr := b.addr
	mask := byte(1) << uint(channel-1)
	_, err := b.exec.Execute(ctx, Operation{
		Name: fmt.Sprintf("relay.set.%d", channel),
		Run: func(t Transport) ([]byte, error) {
			if err := t.Write(addr, []byte{relayRegOutput}); err != nil {
				return nil, err
			}
			cur, err := t.Read(addr, 1)
			if err != nil {
				return nil, err
			}
			if len(cur) != 1 {
				return nil, apperrors.New(apperrors.ErrInvalidResponse, "输出寄存器长度错误")
			}
			next := cur[0] &^ mask
			if on {
				next = cur[0] | mask
			}
			if next == cur[0] {
				return nil, nil
			}
			return nil, t.Write(addr, []byte{relayRegOutput, next})
		},
	})
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrActuationFailed, "通道 %d", channel)
	}
	return nil
}

// Get 读取通道状态
func (b *MosfetBoard) Get(ctx context.Context, channel int) (bool, error) {
	if channel < 1 || channel > relayChannels {
		return false, apperrors.Newf(apperrors.ErrInvalidParam, "通道 %d 超出 1-%d", channel, relayChannels)
	}
	addr := b.addr
	raw, err := b.exec.Execute(ctx, Operation{
		Name: "relay.get",
		Run: func(t Transport) ([]byte, error) {
			if err := t.Write(addr, []byte{relayRegOutput}); err != nil {
				return nil, err
			}
			return t.Read(addr, 1)
		},
	})
	if err != nil {
		return false, err
	}
	if len(raw) != 1 {
		return false, apperrors.New(apperrors.ErrInvalidResponse, "输出寄存器长度错误")
	}
	return raw[0]&(byte(1)<<uint(channel-1)) != 0, nil
}
