package twilio

import (
	"errors"
	"net/http"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

// CallUpdater is the slice of the REST API used to redirect live calls.
type CallUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

// NewCallUpdater returns a REST client for the account.
func NewCallUpdater(accountSID, authToken string) (CallUpdater, error) {
	if accountSID == "" || authToken == "" {
		return nil, errors.New("missing twilio credentials")
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return rest.Api, nil
}

// RedirectCall points a live call at url; the provider fetches it with GET.
func RedirectCall(u CallUpdater, callSID, url string) error {
	params := &api.UpdateCallParams{}
	params.SetUrl(url)
	params.SetMethod(http.MethodGet)
	_, err := u.UpdateCall(callSID, params)
	return err
}
