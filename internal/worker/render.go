package worker

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/joao-fontenele/orderflow-connect/internal/domain"
)

// Message is a rendered notification, ready for one channel.
type Message struct {
	Subject string
	Body    string
	SMS     string
}

type templates struct {
	subject *template.Template
	body    *template.Template
	sms     *template.Template
}

func mustTemplates(subject, body, sms string) templates {
	return templates{
		subject: template.Must(template.New("subject").Parse(subject)),
		body:    template.Must(template.New("body").Parse(body)),
		sms:     template.Must(template.New("sms").Parse(sms)),
	}
}

var catalog = map[domain.NotificationKind]templates{
	domain.NotificationOrderCompleted: mustTemplates(
		"Your plan is ready: {{.OrderNumber}}",
		"Hi {{.Name}},\n\nPayment for order {{.OrderNumber}} was received and your plan is active. Open the order page to install it.",
		"Order {{.OrderNumber}} is active. Open the order page to install your plan.",
	),
	domain.NotificationPaymentFailed: mustTemplates(
		"Payment failed for {{.OrderNumber}}",
		"Hi {{.Name}},\n\nWe could not charge your payment method for order {{.OrderNumber}}.{{with index .Data \"reason\"}} Reason: {{.}}{{end}}\nYou can retry from the order page.",
		"Payment for order {{.OrderNumber}} failed. Please retry from the order page.",
	),
	domain.NotificationFulfillmentDelayed: mustTemplates(
		"Your plan for {{.OrderNumber}} is on its way",
		"Hi {{.Name}},\n\nPayment for order {{.OrderNumber}} was received but activating your plan is taking longer than usual. We keep retrying and will email you as soon as it is ready.",
		"Order {{.OrderNumber}}: activation is delayed, we will notify you when ready.",
	),
	domain.NotificationOrderCancelled: mustTemplates(
		"Order {{.OrderNumber}} cancelled",
		"Hi {{.Name}},\n\nOrder {{.OrderNumber}} was cancelled. No payment was taken.",
		"Order {{.OrderNumber}} was cancelled.",
	),
	domain.NotificationRefundRequested: mustTemplates(
		"Refund requested for {{.OrderNumber}}",
		"Hi {{.Name}},\n\nWe received your refund request for order {{.OrderNumber}} and will review it shortly.",
		"Refund request for order {{.OrderNumber}} received.",
	),
	domain.NotificationRefundApproved: mustTemplates(
		"Refund approved for {{.OrderNumber}}",
		"Hi {{.Name}},\n\nYour refund for order {{.OrderNumber}} was approved{{with index .Data \"amount\"}} ({{.}} in minor units){{end}}. The plan has been deactivated.",
		"Refund for order {{.OrderNumber}} approved.",
	),
	domain.NotificationRefundRejected: mustTemplates(
		"Refund request for {{.OrderNumber}} declined",
		"Hi {{.Name}},\n\nYour refund request for order {{.OrderNumber}} was declined.{{with index .Data \"reason\"}} Reason: {{.}}{{end}}",
		"Refund request for order {{.OrderNumber}} declined.",
	),
}

// Render builds the message for an event. Unknown kinds are an error.
func Render(event domain.NotificationEvent) (Message, error) {
	t, ok := catalog[event.Kind]
	if !ok {
		return Message{}, fmt.Errorf("no template for notification kind %q", event.Kind)
	}
	if event.Name == "" {
		event.Name = "there"
	}

	var msg Message
	for _, part := range []struct {
		tmpl *template.Template
		dst  *string
	}{
		{t.subject, &msg.Subject},
		{t.body, &msg.Body},
		{t.sms, &msg.SMS},
	} {
		var buf bytes.Buffer
		if err := part.tmpl.Execute(&buf, event); err != nil {
			return Message{}, fmt.Errorf("render %s %s: %w", event.Kind, part.tmpl.Name(), err)
		}
		*part.dst = buf.String()
	}
	return msg, nil
}
