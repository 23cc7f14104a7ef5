package wsua

import (
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/pkg/errors"
)

func isAuthChallenge(resp *sip.Response) bool {
	return resp.StatusCode == sip.StatusUnauthorized || resp.StatusCode == sip.StatusProxyAuthRequired
}

// authorize строит заголовок авторизации по challenge из 401/407
func (u *UA) authorize(req *sip.Request, resp *sip.Response) (sip.Header, error) {
	challengeName, credName := "WWW-Authenticate", "Authorization"
	if resp.StatusCode == sip.StatusProxyAuthRequired {
		challengeName, credName = "Proxy-Authenticate", "Proxy-Authorization"
	}

	h := resp.GetHeader(challengeName)
	if h == nil {
		return nil, errors.Errorf("%d response has no %s header", resp.StatusCode, challengeName)
	}
	challenge, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, errors.Wrapf(err, "invalid challenge %q", h.Value())
	}

	cred, err := digest.Digest(challenge, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: u.creds.SIPUser,
		Password: u.creds.SIPPass,
	})
	if err != nil {
		return nil, errors.Wrap(err, "compute digest")
	}
	return sip.NewHeader(credName, cred.String()), nil
}
