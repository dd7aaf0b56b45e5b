package lark

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCreator struct {
	resp *larkim.CreateMessageResp
	err  error
	reqs []*larkim.CreateMessageReq
}

func (f *fakeCreator) Create(_ context.Context, req *larkim.CreateMessageReq, _ ...larkcore.RequestOptionFunc) (*larkim.CreateMessageResp, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func okResp() *larkim.CreateMessageResp {
	id := "om_1"
	return &larkim.CreateMessageResp{
		ApiResp:   &larkcore.ApiResp{},
		CodeError: larkcore.CodeError{Code: 0},
		Data:      &larkim.CreateMessageRespData{MessageId: &id},
	}
}

func TestSender_SendText(t *testing.T) {
	tests := []struct {
		name      string
		receiveID string
	}{
		{"user", "ou_abc"},
		{"group chat", "oc_def"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creator := &fakeCreator{resp: okResp()}
			s := NewSenderWithCreator(creator, zap.NewNop())

			err := s.SendText(context.Background(), tt.receiveID, "Receipt \"processed\"\nline two")
			require.NoError(t, err)
			require.Len(t, creator.reqs, 1)

			req := creator.reqs[0]
			require.NotNil(t, req.Body)
			assert.Equal(t, tt.receiveID, *req.Body.ReceiveId)
			assert.Equal(t, "text", *req.Body.MsgType)

			var content map[string]string
			require.NoError(t, json.Unmarshal([]byte(*req.Body.Content), &content))
			assert.Equal(t, "Receipt \"processed\"\nline two", content["text"])
		})
	}
}

func TestReceiveIDType(t *testing.T) {
	assert.Equal(t, "chat_id", receiveIDType("oc_123"))
	assert.Equal(t, "open_id", receiveIDType("ou_123"))
}

func TestSender_Errors(t *testing.T) {
	s := NewSenderWithCreator(&fakeCreator{resp: okResp()}, zap.NewNop())
	assert.Error(t, s.SendText(context.Background(), "", "x"))
	assert.Error(t, s.SendText(context.Background(), "ou_a", ""))

	s = NewSenderWithCreator(&fakeCreator{err: errors.New("network down")}, zap.NewNop())
	assert.Error(t, s.SendText(context.Background(), "ou_a", "x"))

	failed := okResp()
	failed.Code = 230001
	failed.Msg = "no permission"
	s = NewSenderWithCreator(&fakeCreator{resp: failed}, zap.NewNop())
	err := s.SendText(context.Background(), "ou_a", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "230001")
}
