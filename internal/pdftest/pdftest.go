// Package pdftest builds small uncompressed PDF files for tests.
package pdftest

import (
	"bytes"
	"crypto/md5"
	"crypto/rc4"
	"encoding/binary"
	"fmt"
	"strings"
)

// Build returns a PDF with one page per entry. Each line of a page's text is drawn
// with its own Tj operator using Helvetica/WinAnsiEncoding.
func Build(pages ...string) []byte {
	return build(nil, pages)
}

// BuildEncrypted is Build protected by the Standard security handler (RC4, 128 bit,
// revision 3) with the given user and owner passwords. Content streams are encrypted.
func BuildEncrypted(userPassword, ownerPassword string, pages ...string) []byte {
	return build(newSecurity(userPassword, ownerPassword), pages)
}

func build(sec *security, pages []string) []byte {
	// object layout: 1 catalog, 2 pages, 3 font, then (page, contents) pairs
	var objects []string
	objects = append(objects, "<< /Type /Catalog /Pages 2 0 R >>")

	kids := make([]string, len(pages))
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	objects = append(objects, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pages)))
	objects = append(objects, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")

	for i, text := range pages {
		contentsID := 5 + 2*i
		objects = append(objects, fmt.Sprintf(
			"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>",
			contentsID))
		stream := contentStream(text)
		if sec != nil {
			stream = sec.encrypt(contentsID, stream)
		}
		objects = append(objects, fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream))
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}

	trailer := fmt.Sprintf("/Size %d /Root 1 0 R", len(objects)+1)
	if sec != nil {
		trailer += " " + sec.trailer()
	}
	fmt.Fprintf(&buf, "trailer\n<< %s >>\nstartxref\n%d\n%%%%EOF\n", trailer, xref)
	return buf.Bytes()
}

func contentStream(text string) string {
	var sb strings.Builder
	sb.WriteString("BT\n/F1 12 Tf\n14 TL\n72 720 Td\n")
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			sb.WriteString("T*\n")
		}
		fmt.Fprintf(&sb, "(%s) Tj\n", escape(line))
	}
	sb.WriteString("ET")
	return sb.String()
}

func escape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)
	return r.Replace(s)
}

// passwordPad is the padding string of the Standard security handler
var passwordPad = []byte{
	0x28, 0xbf, 0x4e, 0x5e, 0x4e, 0x75, 0x8a, 0x41, 0x64, 0x00, 0x4e, 0x56, 0xff, 0xfa, 0x01, 0x08,
	0x2e, 0x2e, 0x00, 0xb6, 0xd0, 0x68, 0x3e, 0x80, 0x2f, 0x0c, 0xa9, 0xfe, 0x64, 0x53, 0x69, 0x7a,
}

const (
	keyLength   = 16
	permissions = int32(-4)
)

type security struct {
	id   []byte
	o, u []byte
	key  []byte
}

func newSecurity(userPassword, ownerPassword string) *security {
	if ownerPassword == "" {
		ownerPassword = userPassword
	}
	sum := md5.Sum([]byte("pdftest:" + userPassword + ":" + ownerPassword))
	s := &security{id: sum[:]}
	s.o = ownerEntry(userPassword, ownerPassword)
	s.key = fileKey(userPassword, s.o, s.id)
	s.u = userEntry(s.key, s.id)
	return s
}

func padPassword(pw string) []byte {
	b := append([]byte(pw), passwordPad...)
	return b[:32]
}

// rehash runs the 50 extra MD5 rounds of revision 3
func rehash(key []byte) []byte {
	for i := 0; i < 50; i++ {
		sum := md5.Sum(key[:keyLength])
		key = sum[:]
	}
	return key[:keyLength]
}

// rc4Rounds encrypts data with key, then 19 more times with key XOR i
func rc4Rounds(key, data []byte) {
	k := make([]byte, len(key))
	for i := 0; i <= 19; i++ {
		for j := range key {
			k[j] = key[j] ^ byte(i)
		}
		c, _ := rc4.NewCipher(k)
		c.XORKeyStream(data, data)
	}
}

func ownerEntry(userPassword, ownerPassword string) []byte {
	sum := md5.Sum(padPassword(ownerPassword))
	key := rehash(sum[:])
	o := padPassword(userPassword)
	rc4Rounds(key, o)
	return o
}

func fileKey(userPassword string, o, id []byte) []byte {
	h := md5.New()
	h.Write(padPassword(userPassword))
	h.Write(o)
	binary.Write(h, binary.LittleEndian, permissions)
	h.Write(id)
	return rehash(h.Sum(nil))
}

func userEntry(key, id []byte) []byte {
	h := md5.New()
	h.Write(passwordPad)
	h.Write(id)
	u := h.Sum(nil)
	rc4Rounds(key, u)
	// the last 16 bytes are arbitrary
	return append(u, make([]byte, 16)...)
}

// encrypt applies the per-object RC4 key of object id, generation 0
func (s *security) encrypt(id int, data string) string {
	h := md5.New()
	h.Write(s.key)
	h.Write([]byte{byte(id), byte(id >> 8), byte(id >> 16), 0, 0})
	c, _ := rc4.NewCipher(h.Sum(nil))
	out := []byte(data)
	c.XORKeyStream(out, out)
	return string(out)
}

func (s *security) trailer() string {
	return fmt.Sprintf("/ID [<%x> <%x>] /Encrypt << /Filter /Standard /V 2 /R 3 /Length %d /P %d /O <%x> /U <%x> >>",
		s.id, s.id, keyLength*8, permissions, s.o, s.u)
}
