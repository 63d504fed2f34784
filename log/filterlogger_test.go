package log

import (
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/jeff2009wang/go-quic-tunnel/tunnelmock"
)

func TestFilterLogger_Log(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	b := tunnelmock.NewMockLogger(ctrl)
	f := NewFilterLogger(b, 2)
	b.EXPECT().Log("level", 0)
	f.Log("level", 0)
	b.EXPECT().Log("level", 1)
	f.Log("level", 1)
	b.EXPECT().Log("level", 2)
	f.Log("level", 2)

	f.Log("level", 3)
	f.Log("level", 4)
}
