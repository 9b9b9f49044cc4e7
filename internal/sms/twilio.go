package sms

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Twilio sends messages through the Twilio Messages API.
type Twilio struct {
	client *twilio.RestClient
}

func NewTwilio(accountSID, authToken string) (*Twilio, error) {
	if accountSID == "" || authToken == "" {
		return nil, fmt.Errorf("twilio credentials are empty")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Twilio{client: client}, nil
}

func (t *Twilio) Send(ctx context.Context, to, from, body string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetBody(body)

	resp, err := t.client.Api.CreateMessage(params)
	if err != nil {
		return "", &SendError{To: to, Err: err}
	}
	if resp.ErrorCode != nil && *resp.ErrorCode != 0 {
		msg := "gateway error"
		if resp.ErrorMessage != nil {
			msg = *resp.ErrorMessage
		}
		return "", &SendError{To: to, Code: *resp.ErrorCode, Err: fmt.Errorf("%s", msg)}
	}
	if resp.Sid == nil {
		return "", &SendError{To: to, Err: fmt.Errorf("gateway returned no message sid")}
	}
	return *resp.Sid, nil
}
