/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package mgmt

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/daniel-mekuria/zk-server/push/log"
)

const (
	defaultTokenName string = `Bearer`

	_none    authType = ``
	none     authType = `none`
	basic    authType = `basic`
	jwtT     authType = `jwt`
	preToken authType = `preshared-token`
	preParam authType = `preshared-parameter`
	hdrToken authType = `preshared-header`

	userFormValue string = `username`
	passFormValue string = `password`
	issuer        string = `zkserver`
	authHeader    string = `Authorization`

	jwtDuration time.Duration = 24 * 2 * time.Hour
)

var (
	ErrInvalidAuthType    = errors.New("Invalid authentication type")
	ErrUnauthorized       = errors.New("Unauthorized")
	ErrMissingTokenName   = errors.New("Token name is invalid")
	ErrMissingTokenValue  = errors.New("Token value cannot be empty")
	ErrBadTokenValue      = errors.New("Bad token value")
	ErrMissingHeaderValue = errors.New("Token header value cannot be empty")
	ErrHeaderNotFound     = errors.New("Token header value not found")
)

type authType string

// Auth is the [Management] authentication subsection. Field names map to
// the Auth-Type, Username, Password, Token-Name, and Token-Value keys.
type Auth struct {
	Auth_Type   string
	Username    string
	Password    string `json:"-"` // DO NOT send this when marshalling
	Token_Name  string
	Token_Value string `json:"-"` // DO NOT send this when marshalling
}

// AuthHandler guards the management API. Login only matters for the jwt
// flavour; everything else rejects it.
type AuthHandler interface {
	Login(http.ResponseWriter, *http.Request)
	AuthRequest(*http.Request) error
}

func (a *Auth) Validate() (enabled bool, err error) {
	var at authType
	if at, err = parseAuthType(a.Auth_Type); err != nil {
		return
	}
	switch at {
	case none: //do nothing
	case basic:
		fallthrough
	case jwtT:
		if a.Username == `` {
			err = fmt.Errorf("Missing username for %s authentication", at)
		} else if a.Password == `` {
			err = fmt.Errorf("Missing password for %s authentication", at)
		} else {
			enabled = true
		}
	case preToken, preParam, hdrToken:
		if a.Token_Name == `` {
			a.Token_Name = defaultTokenName
		}
		if a.Token_Value == `` {
			err = fmt.Errorf("Missing Token-Value for auth type %s", at)
			return
		}
		enabled = true
	}
	return
}

// NewHandler builds the configured auth handler, nil when auth is disabled.
func (a Auth) NewHandler(lgr *log.Logger) (hnd AuthHandler, err error) {
	if lgr == nil {
		err = errors.New("Nil logger")
		return
	}
	var at authType
	if at, err = parseAuthType(a.Auth_Type); err != nil {
		return
	}
	switch at {
	case none:
		return
	case basic:
		hnd, err = newBasicAuthHandler(a.Username, a.Password, lgr)
	case jwtT:
		hnd, err = newJWTAuthHandler(a.Username, a.Password, lgr)
	case preToken:
		hnd, err = newPresharedTokenHandler(a.Token_Name, a.Token_Value, lgr)
	case preParam:
		hnd, err = newPresharedParamHandler(a.Token_Name, a.Token_Value, lgr)
	case hdrToken:
		hnd, err = newPresharedHeaderTokenHandler(a.Token_Name, a.Token_Value, lgr)
	default:
		err = fmt.Errorf("Unknown authentication type %q", a.Auth_Type)
	}
	return
}

func parseAuthType(v string) (r authType, err error) {
	r = authType(strings.TrimSpace(strings.ToLower(v)))
	switch r {
	case _none:
		r = none
	case none:
	case basic:
	case jwtT:
	case preToken:
	case preParam:
	case hdrToken:
	default:
		r = none
		err = ErrInvalidAuthType
	}
	return
}

type noLogin struct{}

func (n *noLogin) Login(w http.ResponseWriter, r *http.Request) {
	//this should never get here
	w.WriteHeader(http.StatusNotFound)
}

type basicAuthHandler struct {
	noLogin
	lgr  *log.Logger
	user string
	pass string
}

func newBasicAuthHandler(user, pass string, lgr *log.Logger) (hnd AuthHandler, err error) {
	hnd = &basicAuthHandler{
		lgr:  lgr,
		user: user,
		pass: pass,
	}
	return
}

func (bah *basicAuthHandler) AuthRequest(r *http.Request) error {
	var u, p string
	var ok bool
	//try to grab the basic auth header
	if u, p, ok = r.BasicAuth(); !ok {
		return errors.New("Missing authentication")
	}
	if !((u == bah.user) && (p == bah.pass)) {
		return errors.New("Bad username or password")
	}
	return nil
}

type tokHandler struct {
	noLogin
	lgr      *log.Logger
	hdrName  string
	tokValue string
}

type preTokenHandler struct {
	tokHandler
}

func newPresharedHeaderTokenHandler(hdr, value string, lgr *log.Logger) (hnd AuthHandler, err error) {
	if value == `` {
		err = ErrMissingTokenValue
	} else if hdr == `` {
		err = ErrMissingHeaderValue
	} else {
		hnd = &preTokenHandler{
			tokHandler: tokHandler{
				lgr:      lgr,
				hdrName:  hdr,
				tokValue: value,
			},
		}
	}
	return
}

func newPresharedTokenHandler(name, value string, lgr *log.Logger) (hnd AuthHandler, err error) {
	return newPresharedHeaderTokenHandler(authHeader, name+" "+value, lgr)
}

func (pth *preTokenHandler) AuthRequest(r *http.Request) error {
	if tok, err := getHeaderToken(r, pth.hdrName); err != nil {
		return err
	} else if tok != pth.tokValue {
		return ErrUnauthorized
	}
	return nil
}

type preParamHandler struct {
	tokHandler
}

func newPresharedParamHandler(name, value string, lgr *log.Logger) (hnd AuthHandler, err error) {
	if name == `` {
		err = ErrMissingTokenName
	} else if value == `` {
		err = ErrMissingTokenValue
	} else {
		hnd = &preParamHandler{
			tokHandler: tokHandler{
				lgr:      lgr,
				hdrName:  name,
				tokValue: value,
			},
		}
	}
	return
}

func (pth *preParamHandler) AuthRequest(r *http.Request) error {
	tok, err := getParamToken(r, pth.hdrName)
	if err != nil {
		return err
	} else if tok != pth.tokValue {
		return ErrBadTokenValue
	}
	return nil
}

type jwtAuthHandler struct {
	lgr    *log.Logger
	secret string
	user   string
	pass   string
}

func randBase64(sz int) (s string, err error) {
	//generate a new random secret
	buff := make([]byte, sz)
	var n int
	if n, err = rand.Read(buff); err != nil {
		return
	} else if n != len(buff) {
		err = errors.New("Failed to generate random buffer")
		return
	}
	s = base64.StdEncoding.EncodeToString(buff)
	return
}

func newJWTAuthHandler(user, pass string, lgr *log.Logger) (hnd AuthHandler, err error) {
	//the secret only lives as long as the process, a restart voids tokens
	var secret string
	if secret, err = randBase64(32); err == nil {
		hnd = &jwtAuthHandler{
			secret: secret,
			user:   user,
			pass:   pass,
			lgr:    lgr,
		}
	}
	return
}

func (jah *jwtAuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var u, p string
	//parse the post form
	if err := r.ParseForm(); err != nil {
		jah.lgr.Info("bad login request", log.KVErr(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	u = r.FormValue(userFormValue)
	p = r.FormValue(passFormValue)
	if u != jah.user || p != jah.pass {
		w.WriteHeader(http.StatusForbidden)
		jah.lgr.Info("failed login", log.KV("address", getRemoteAddr(r)))
		return
	}

	//user is good, generate the JWT
	now := time.Now()
	claims := &jwt.RegisteredClaims{
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtDuration)),
		Issuer:    issuer,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if ss, err := token.SignedString([]byte(jah.secret)); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		jah.lgr.Info("bad JWT token", log.KV("address", getRemoteAddr(r)), log.KVErr(err))
	} else {
		io.WriteString(w, ss)
		jah.lgr.Info("successful login", log.KV("address", getRemoteAddr(r)))
	}
	return
}

func (jah *jwtAuthHandler) AuthRequest(r *http.Request) error {
	ss, err := getJWTToken(r)
	if err != nil {
		return err
	}
	var claims jwt.RegisteredClaims
	//expiry and not-before checks happen inside the parser
	tok, err := jwt.ParseWithClaims(ss, &claims, jah.secretParser,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return err
	} else if !tok.Valid {
		return errors.New("invalid token")
	}
	return nil
}

func (jah *jwtAuthHandler) secretParser(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, errors.New("Unexpected signing method")
	}
	return []byte(jah.secret), nil
}

func getJWTToken(r *http.Request) (string, error) {
	return getAuthToken(r, `Bearer`)
}

func getHeaderToken(r *http.Request, hdrName string) (ret string, err error) {
	if hdrName == `` {
		err = errors.New("Empty header name")
		return
	} else if len(r.Header) == 0 {
		err = ErrHeaderNotFound
	} else if vals, ok := r.Header[hdrName]; !ok || len(vals) == 0 {
		err = ErrHeaderNotFound
	} else {
		ret = vals[0]
	}
	return
}

func getAuthToken(r *http.Request, tokName string) (ret string, err error) {
	var hv string
	if hv, err = getHeaderToken(r, `Authorization`); err != nil {
		return
	}
	bits := strings.Fields(hv)
	if len(tokName) == 0 && len(bits) == 1 {
		ret = bits[0]
	} else if len(tokName) > 0 && len(bits) == 2 && bits[0] == tokName {
		ret = bits[1]
	} else {
		err = errors.New("invalid auth token")
	}
	return
}

func getParamToken(r *http.Request, tokName string) (ret string, err error) {
	if tokName == `` {
		err = errors.New("Empty token name")
		return
	}
	keys, ok := r.URL.Query()[tokName]
	if !ok || len(keys) == 0 {
		err = fmt.Errorf("Missing %s parameter", tokName)
		return
	}
	//be lenient and just get the first non-empty key
	for _, k := range keys {
		if len(k) != 0 {
			ret = k
			break
		}
	}
	return
}
