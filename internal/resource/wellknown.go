package resource

import (
	"context"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// WellKnownCore lists the site's resources in link format.
type WellKnownCore struct {
	site *Site
}

func NewWellKnownCore(site *Site) *WellKnownCore {
	return &WellKnownCore{site: site}
}

func (w *WellKnownCore) Handle(ctx context.Context, req *Request) Response {
	if req.Method != codes.GET {
		return methodNotAllowed()
	}
	links := FilterLinks(w.site.Links(), req.Queries)
	return Response{
		Code:    codes.Content,
		Format:  message.AppLinkFormat,
		Payload: []byte(FormatLinks(links)),
	}
}
