package fleet

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"botfleet/internal/channel"
	"botfleet/internal/model"
	"botfleet/internal/storage"
	logx "botfleet/pkg/logx"
)

// handler tracks every sender as a recipient of the tenant and answers /start.
func (o *Orchestrator) handler(tenantID int64) channel.HandlerFunc {
	return func(ctx context.Context, ev channel.Event) (*channel.Payload, error) {
		if ev.From.ExternalID != 0 {
			_, err := o.store.UpsertRecipient(ctx, tenantID, storage.RecipientProfile{
				ExternalID:   ev.From.ExternalID,
				Username:     ev.From.Username,
				FirstName:    ev.From.FirstName,
				LastName:     ev.From.LastName,
				LanguageCode: ev.From.LanguageCode,
			}, ev.At)
			if err != nil {
				// Tracking must not swallow the reply.
				o.log.Warn("recipient upsert failed", logx.Int64("tenant", tenantID), logx.Int64("user", ev.From.ExternalID), logx.Err(err))
			}
		}

		cmd, _, ok := ev.Command()
		if !ok || cmd != "start" {
			return nil, nil
		}
		return o.welcome(ctx, tenantID, ev.From.LanguageCode)
	}
}

// welcome picks the tenant template for lang: exact match, then the default
// language, then the oldest template, then the configured fallback text.
func (o *Orchestrator) welcome(ctx context.Context, tenantID int64, lang string) (*channel.Payload, error) {
	cfg := o.config()
	tpls, err := o.store.ListTemplates(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("welcome for tenant %d: %w", tenantID, err)
	}

	tpl, ok := pickTemplate(tpls, lang, cfg.DefaultLanguage)
	if !ok {
		if cfg.FallbackWelcome == "" {
			return nil, nil
		}
		p := channel.NewPayload(model.Content{Text: cfg.FallbackWelcome}, cfg.ParseMode)
		return &p, nil
	}
	p := channel.NewPayload(model.Content{Text: tpl.Text, Buttons: tpl.Buttons}, cfg.ParseMode)
	return &p, nil
}

func pickTemplate(tpls []model.Template, lang, def string) (model.Template, bool) {
	if len(tpls) == 0 {
		return model.Template{}, false
	}
	for _, want := range []string{lang, def} {
		want = strings.TrimSpace(want)
		if want == "" {
			continue
		}
		if t, ok := lo.Find(tpls, func(t model.Template) bool { return strings.EqualFold(t.LanguageCode, want) }); ok {
			return t, true
		}
	}
	return lo.MinBy(tpls, func(a, b model.Template) bool { return a.ID < b.ID }), true
}
