package engine

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"roomchat/rpc"
)

var validate = validator.New()

// login, joinRoom and leaveRoom take a single positional string; the
// remaining methods take keyed objects. Each shape is decoded exactly once
// at the dispatch boundary; anything malformed maps to InvalidParams
// before any state is touched.

func decodePositionalString(raw json.RawMessage) (string, error) {
	var params []string
	if err := json.Unmarshal(raw, &params); err != nil || len(params) == 0 || params[0] == "" {
		return "", rpc.ErrInvalidParams
	}
	return params[0], nil
}

type sendMessageParams struct {
	Room    string `json:"room" validate:"required"`
	Message string `json:"message" validate:"required"`
}

type setRoomLastReadParams struct {
	Room     string `json:"room" validate:"required"`
	LastRead *int64 `json:"lastRead"`
}

type searchMessagesParams struct {
	Query string `json:"query" validate:"required"`
	Room  string `json:"room"`
	Limit int    `json:"limit" validate:"gte=0,lte=100"`
}

func decodeObject(raw json.RawMessage, target any) error {
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %w", rpc.ErrInvalidParams, err)
	}
	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("%w: %w", rpc.ErrInvalidParams, err)
	}
	return nil
}
