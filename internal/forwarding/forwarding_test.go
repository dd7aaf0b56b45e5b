package forwarding

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
)

func gmailForward() *entity.ParsedEmail {
	return &entity.ParsedEmail{
		From:    "Jane Doe <jane@company.com>",
		Subject: "Fwd: Receipt",
		Text: "FYI for expenses\n\n" +
			"---------- Forwarded message ---------\n" +
			"From: Blue Bottle Coffee <receipts@bluebottle.com>\n" +
			"Sent: Thursday, March 14, 2024 9:12 AM\n" +
			"To: jane@company.com\n" +
			"Subject: Your receipt\n" +
			"\n" +
			"Receipt\n" +
			"Latte $5.50\n" +
			"Total $5.50\n",
	}
}

func TestDetect_GmailForward(t *testing.T) {
	chain := Detect(gmailForward())

	require.NotNil(t, chain)
	assert.Equal(t, "receipts@bluebottle.com", chain.OriginalSender)
	assert.GreaterOrEqual(t, chain.ChainDepth, 1)
	assert.Equal(t, []string{"jane@company.com"}, chain.ForwardedBy)
	require.NotNil(t, chain.OriginalDate)
	assert.Equal(t, "Thursday, March 14, 2024 9:12 AM", *chain.OriginalDate)
	assert.Equal(t, "Your receipt", chain.OriginalSubject)
	assert.Equal(t, "Receipt\nLatte $5.50\nTotal $5.50", chain.ExtractedContent)
}

func TestDetect_NestedMultilingual(t *testing.T) {
	email := &entity.ParsedEmail{
		From:    "Bob <bob@example.de>",
		Subject: "WG: WG: Rechnung",
		Text: "---------- Weitergeleitete Nachricht ----------\n" +
			"Von: Alice <alice@example.de>\n" +
			"Datum: 14.03.2024\n" +
			"Betreff: WG: Rechnung\n" +
			"An: bob@example.de\n" +
			"\n" +
			"> ---------- Message transféré ---------\n" +
			"> De : Shop <facture@boutique.fr>\n" +
			"> Date : 13 mars 2024\n" +
			"> Objet : Votre facture\n" +
			"> À : alice@example.de\n" +
			">\n" +
			"> Facture 2024-001\n" +
			"> Montant total 42,00 €\n",
	}

	chain := Detect(email)

	require.NotNil(t, chain)
	assert.Equal(t, 2, chain.ChainDepth)
	assert.Equal(t, "facture@boutique.fr", chain.OriginalSender)
	assert.Equal(t, []string{"bob@example.de", "alice@example.de"}, chain.ForwardedBy)
	assert.Equal(t, "Votre facture", chain.OriginalSubject)
	require.NotNil(t, chain.OriginalDate)
	assert.Equal(t, "13 mars 2024", *chain.OriginalDate)
	assert.Equal(t, "Facture 2024-001\nMontant total 42,00 €", chain.ExtractedContent)
}

func TestDetect_Markers(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		sender string
	}{
		{
			name:   "spanish",
			body:   "---------- Mensaje reenviado ---------\nDe: Tienda <ventas@tienda.es>\nFecha: 14 mar 2024\nAsunto: Recibo\nPara: yo@x.es\n\nRecibo\nTotal 10,00 €",
			sender: "ventas@tienda.es",
		},
		{
			name:   "apple mail",
			body:   "Begin forwarded message:\n\nFrom: Uber Receipts <noreply@uber.com>\nDate: March 3, 2024\nSubject: Your trip\n\nThanks for riding",
			sender: "noreply@uber.com",
		},
		{
			name:   "outlook",
			body:   "-----Original Message-----\nFrom: Hotel [mailto:stay@hotel.example]\nSent: Monday\nSubject: Folio\n\nRoom 1 night",
			sender: "stay@hotel.example",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := Detect(&entity.ParsedEmail{From: "me@corp.example", Subject: "expenses", Text: tt.body})
			require.NotNil(t, chain)
			assert.Equal(t, tt.sender, chain.OriginalSender)
			assert.Equal(t, 1, chain.ChainDepth)
		})
	}
}

func TestDetect_SubjectOnly(t *testing.T) {
	chain := Detect(&entity.ParsedEmail{
		From:    "me@corp.example",
		Subject: "Fwd: FW: Lunch receipt",
		Text:    "Total $5",
	})

	require.NotNil(t, chain)
	assert.Equal(t, 2, chain.ChainDepth)
	assert.Equal(t, "Lunch receipt", chain.OriginalSubject)
	assert.Equal(t, "me@corp.example", chain.OriginalSender)
	assert.Equal(t, "Total $5", chain.ExtractedContent)
}

func TestDetect_NotForwarded(t *testing.T) {
	tests := []*entity.ParsedEmail{
		{Subject: "Your receipt", Text: "Total $5"},
		{Subject: "Re: lunch", Text: "sounds good"},
		nil,
	}
	for _, email := range tests {
		assert.Nil(t, Detect(email))
	}
}

func TestDetect_HTMLOnlyBody(t *testing.T) {
	chain := Detect(&entity.ParsedEmail{
		From:    "jane@company.com",
		Subject: "Fwd: receipt",
		HTML:    "<div>---------- Forwarded message ---------</div><div>From: Shop &lt;shop@example.com&gt;</div><div>Subject: Receipt</div><div><br></div><div>Total $9.00</div>",
	})

	require.NotNil(t, chain)
	assert.Equal(t, "shop@example.com", chain.OriginalSender)
}

func TestExtractFromChain(t *testing.T) {
	email := gmailForward()
	chain := Detect(email)
	require.NotNil(t, chain)

	text, html := ExtractFromChain(chain, email)

	assert.True(t, strings.HasPrefix(text, "Receipt\nLatte $5.50\nTotal $5.50"))
	assert.True(t, strings.HasSuffix(text,
		"[Forwarded email: original sender receipts@bluebottle.com; forwarded by jane@company.com; chain depth 1]"))
	assert.NotContains(t, text, ReceiptSeparator)
	assert.Empty(t, html)
}

func TestExtractFromChain_Nil(t *testing.T) {
	text, html := ExtractFromChain(nil, &entity.ParsedEmail{Text: "plain", HTML: "<p>plain</p>"})
	assert.Equal(t, "plain", text)
	assert.Equal(t, "<p>plain</p>", html)
}

func TestSplitReceipts(t *testing.T) {
	two := "Receipt #1\nCoffee $3.00\nTotal $3.00\nReceipt #2\nBagel $2.50\nTotal $2.50"

	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name:    "two receipts",
			content: two,
			want: []string{
				"Receipt #1\nCoffee $3.00\nTotal $3.00",
				"Receipt #2\nBagel $2.50\nTotal $2.50",
			},
		},
		{
			name:    "single receipt",
			content: "Receipt\nTotal $1.00",
			want:    []string{"Receipt\nTotal $1.00"},
		},
		{
			name:    "second section without total",
			content: "Receipt A\nTotal $1.00\nInvoice terms apply",
			want:    []string{"Receipt A\nTotal $1.00\nInvoice terms apply"},
		},
		{
			name:    "preamble joins first receipt",
			content: "Here are both:\nInvoice 1\nTotal 5\nInvoice 2\nTotal 6",
			want:    []string{"Here are both:\nInvoice 1\nTotal 5", "Invoice 2\nTotal 6"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitReceipts(tt.content))
		})
	}
}

func TestAnnotation_Unknowns(t *testing.T) {
	assert.Equal(t,
		"[Forwarded email: original sender unknown; forwarded by unknown; chain depth 1]",
		Annotation(&entity.ForwardedEmailChain{ChainDepth: 1}))
}
