// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"

	"github.com/gomlx/pipemesh/pkg/core/collective"
	"github.com/gomlx/pipemesh/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrShapeChanged is returned when a tensor of a new shape is sent to an adjacent stage without first
// resetting the activation shape (see Executor.ResetActivationShape).
var ErrShapeChanged = errors.New("activation shape changed without reset")

// stageLink is the channel with one adjacent stage.
//
// The first tensor sent after a reset carries its shape; the following ones only their data. The receiving
// side allocates its buffer from the first shape, and reuses it until the next reset.
type stageLink struct {
	group *collective.Group
	peer  int

	sentDims  []int
	sentDType int
	recvBuf   *tensors.Tensor
}

func newStageLink(group *collective.Group, peer int) *stageLink {
	if group == nil {
		return nil
	}
	return &stageLink{group: group, peer: peer}
}

func (l *stageLink) send(ctx context.Context, t *tensors.Tensor) error {
	if l.sentDims == nil {
		if err := l.group.Send(ctx, l.peer, t); err != nil {
			return err
		}
		l.sentDims, l.sentDType = t.Dimensions(), int(t.DType())
		return nil
	}
	if !t.HasDimensions(l.sentDims) || int(t.DType()) != l.sentDType {
		return errors.Wrapf(ErrShapeChanged, "link %s: sending %s, negotiated dimensions %v", l.group, t, l.sentDims)
	}
	return l.group.SendData(ctx, l.peer, t)
}

func (l *stageLink) recv(ctx context.Context) (*tensors.Tensor, error) {
	if l.recvBuf == nil {
		t, err := l.group.Recv(ctx, l.peer)
		if err != nil {
			return nil, err
		}
		l.recvBuf = tensors.Zeros(t.DType(), t.Dimensions()...)
		return t, nil
	}
	if err := l.group.RecvInto(ctx, l.peer, l.recvBuf); err != nil {
		return nil, errors.WithMessagef(err, "link %s: receiving into buffer %s", l.group, l.recvBuf)
	}
	return l.recvBuf.Clone(), nil
}

func (l *stageLink) reset() {
	if l == nil {
		return
	}
	if l.sentDims != nil || l.recvBuf != nil {
		klog.V(2).Infof("link %s: activation buffers reset", l.group)
	}
	l.sentDims, l.recvBuf = nil, nil
}
