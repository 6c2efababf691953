package printing

import (
	"bytes"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"palantir/internal/domain"
	"palantir/internal/phone"
)

const (
	receiptWidth = 48
	timeLayout   = "02/01/2006 15:04"
)

var (
	escInit    = []byte{0x1b, '@'}
	gsFeedCut  = []byte{0x1d, 'V', 1}
	receiptLoc = time.FixedZone("UTC-3", -3*60*60)
)

// RenderReceipt renders the order as an ESC/POS text receipt. The output
// depends only on the order, so the same order always yields the same bytes.
func RenderReceipt(order domain.Order) []byte {
	var b bytes.Buffer
	b.Write(escInit)

	rule := strings.Repeat("=", receiptWidth)
	thin := strings.Repeat("-", receiptWidth)

	line(&b, rule)
	line(&b, center("PEDIDO #"+strconv.Itoa(order.OrderNumber)))
	line(&b, center(order.CreatedAt.In(receiptLoc).Format(timeLayout)))
	line(&b, thin)

	wrap(&b, "Cliente: "+order.CustomerName)
	if order.CustomerPhone != nil && *order.CustomerPhone != "" {
		wrap(&b, "Telefone: "+phone.Format(*order.CustomerPhone))
	}
	if order.CustomerAddress != nil && *order.CustomerAddress != "" {
		wrap(&b, "Endereco: "+*order.CustomerAddress)
	}
	line(&b, thin)

	for _, item := range order.Items {
		line(&b, columns(strconv.Itoa(item.Quantity)+"x "+item.ProductName, FormatBRL(item.LineTotal())))
	}
	line(&b, thin)

	line(&b, columns("Subtotal", FormatBRL(order.Subtotal)))
	line(&b, columns("Taxa de entrega", FormatBRL(order.DeliveryFee)))
	line(&b, columns("TOTAL", FormatBRL(order.Total)))
	line(&b, thin)
	wrap(&b, "Pagamento: "+order.PaymentMethod)
	line(&b, "Status: "+order.Status.Label())
	line(&b, rule)

	b.WriteString("\n\n\n")
	b.Write(gsFeedCut)
	return b.Bytes()
}

// FormatBRL renders d as Brazilian currency, e.g. "R$ 1.234,50".
func FormatBRL(d decimal.Decimal) string {
	s := d.StringFixed(2)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign = "-"
		s = s[1:]
	}
	whole, cents, _ := strings.Cut(s, ".")

	var grouped strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			grouped.WriteByte('.')
		}
		grouped.WriteRune(r)
	}
	return sign + "R$ " + grouped.String() + "," + cents
}

func line(b *bytes.Buffer, s string) {
	b.WriteString(s)
	b.WriteByte('\n')
}

func center(s string) string {
	n := utf8.RuneCountInString(s)
	if n >= receiptWidth {
		return truncate(s, receiptWidth)
	}
	return strings.Repeat(" ", (receiptWidth-n)/2) + s
}

// columns left-aligns left and right-aligns right, truncating left to fit.
// A right side that leaves no room keeps both sides whole and overflows.
func columns(left, right string) string {
	room := receiptWidth - utf8.RuneCountInString(right) - 1
	if room > 0 {
		left = truncate(left, room)
	}
	pad := receiptWidth - utf8.RuneCountInString(left) - utf8.RuneCountInString(right)
	if pad < 1 {
		pad = 1
	}
	return left + strings.Repeat(" ", pad) + right
}

// wrap breaks s on spaces into lines of at most receiptWidth runes.
func wrap(b *bytes.Buffer, s string) {
	var current []string
	width := 0
	for _, word := range strings.Fields(s) {
		w := utf8.RuneCountInString(word)
		if w > receiptWidth {
			word, w = truncate(word, receiptWidth), receiptWidth
		}
		if width > 0 && width+1+w > receiptWidth {
			line(b, strings.Join(current, " "))
			current, width = nil, 0
		}
		if width > 0 {
			width++
		}
		current = append(current, word)
		width += w
	}
	if len(current) > 0 {
		line(b, strings.Join(current, " "))
	}
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
