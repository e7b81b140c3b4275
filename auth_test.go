package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/CodedInternet/servobus/comms"
	"github.com/CodedInternet/servobus/onboard"
	"github.com/CodedInternet/servobus/onboard/ledger"
	"github.com/CodedInternet/servobus/onboard/servo"
)

// testEnv points ENV at a temp database and a simulated bench of devices
// 1 and 2. The returned func restores a clean ENV.
func testEnv() func() {
	dir, err := os.MkdirTemp("", "servobus")
	if err != nil {
		panic(err)
	}
	ENV.Log = slog.New(slog.NewTextHandler(io.Discard, nil))

	if ENV.DB, err = openDb(filepath.Join(dir, "test.db")); err != nil {
		panic(err)
	}
	if ENV.Ledger, err = ledger.New(ENV.DB); err != nil {
		panic(err)
	}

	config := &onboard.ServobusConfig{
		Version: 1,
		Buses: map[string]onboard.BusConfig{
			"bench": {Driver: onboard.DRIVER_SIM, Devices: []int{1, 2}},
		},
	}
	ENV.Controller, err = onboard.NewController(config, servo.Options{
		Logger:           ENV.Log,
		Ledger:           ENV.Ledger,
		DiscoveryTimeout: 300 * time.Millisecond,
		StateTimeout:     300 * time.Millisecond,
	}, true)
	if err != nil {
		panic(err)
	}
	ENV.Conductor = comms.NewConductor(ENV.Controller, ENV.Log)

	return func() {
		ENV.Controller.Close()
		ENV.DB.Close()
		os.RemoveAll(dir)
	}
}

func login(handler http.Handler, email, password string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(&LoginPayload{Email: email, Password: password})
	req := httptest.NewRequest("POST", "/api/login", bytes.NewBuffer(body))
	req.Header.Add("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestUser(t *testing.T) {
	Convey("Methods work as expected", t, func() {
		user := new(User)
		Convey("Setting and verify password works correctly with hashes", func() {
			So(user.SetPassword([]byte("hello123")), ShouldBeNil)
			So(user.Password, ShouldStartWith, "$")

			So(user.VerifyPassword([]byte("hello123")), ShouldBeNil)
			So(user.VerifyPassword([]byte("hello12")), ShouldNotBeNil)
		})

		Convey("Invalid hash returns the correct error code", func() {
			user.Password = "I DON'T WORK"
			So(user.VerifyPassword([]byte("hello123")).Error(), ShouldContainSubstring, "hashedSecret too short")
		})
	})
}

func TestJWTGeneration(t *testing.T) {
	Convey("Tokens carry the subject and issuer", t, func() {
		ts, err := newJWT("hello test")
		So(err, ShouldBeNil)
		So(ts, ShouldNotBeEmpty)

		claims := &jwt.StandardClaims{}
		_, err = jwt.ParseWithClaims(ts, claims, func(*jwt.Token) (interface{}, error) {
			return []byte(ENV.JWT_SECRET), nil
		})
		So(err, ShouldBeNil)
		So(claims.Subject, ShouldEqual, "hello test")
		So(claims.Issuer, ShouldEqual, ENV.JWT_ISSUER)
	})
}

func TestLogin(t *testing.T) {
	cleanup := testEnv()
	defer cleanup()

	_, err := createSuperuser(ENV.DB, "login@test.case", "testing123")
	if err != nil {
		t.Fatal(err)
	}
	handler := routes()

	Convey("Valid request works as expected", t, func() {
		rr := login(handler, "login@test.case", "testing123")
		So(rr.Code, ShouldEqual, http.StatusOK)

		var payload JWTPayload
		So(json.Unmarshal(rr.Body.Bytes(), &payload), ShouldBeNil)
		So(payload.SignedToken, ShouldNotBeEmpty)

		Convey("The token can be refreshed", func() {
			req := httptest.NewRequest("GET", "/api/refresh_token", nil)
			req.Header.Set("Authorization", "Bearer "+payload.SignedToken)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			So(rr.Code, ShouldEqual, http.StatusOK)
			So(rr.Body.String(), ShouldContainSubstring, `"token":`)
		})
	})

	Convey("Invalid credentials return error", t, func() {
		Convey("Incorrect username provides 404", func() {
			So(login(handler, "login-no@test.case", "testing123").Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("Incorrect password provides 403", func() {
			So(login(handler, "login@test.case", "testing12").Code, ShouldEqual, http.StatusForbidden)
		})

		Convey("A missing email is a bad request", func() {
			So(login(handler, "", "testing12").Code, ShouldEqual, http.StatusBadRequest)
		})
	})

	Convey("Superusers need credentials", t, func() {
		_, err := createSuperuser(ENV.DB, "", "x")
		So(err, ShouldNotBeNil)

		_, err = createSuperuser(ENV.DB, "login@test.case", "again")
		So(err, ShouldNotBeNil)
	})
}

func TestValidateJWT(t *testing.T) {
	ok := ValidateJWT(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Success"))
	}))
	serve := func(req *http.Request) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		ok.ServeHTTP(rr, req)
		return rr
	}

	Convey("Requests without a token are refused", t, func() {
		rr := serve(httptest.NewRequest("GET", "/", nil))
		So(rr.Code, ShouldEqual, http.StatusUnauthorized)
		So(rr.Body.String(), ShouldContainSubstring, JWTEmpty.Error())
	})

	Convey("Tokens are accepted from header, query and cookie", t, func() {
		ts, _ := newJWT("someone")

		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer "+ts)
		So(serve(req).Body.String(), ShouldEqual, "Success")

		req = httptest.NewRequest("GET", "/?jwt="+ts, nil)
		So(serve(req).Body.String(), ShouldEqual, "Success")

		req = httptest.NewRequest("GET", "/", nil)
		req.AddCookie(&http.Cookie{Name: "jwt", Value: ts})
		So(serve(req).Body.String(), ShouldEqual, "Success")
	})

	Convey("Expired tokens are reported as such", t, func() {
		lifespan := JWT_LIFESPAN
		JWT_LIFESPAN = -time.Minute
		ts, _ := newJWT("someone")
		JWT_LIFESPAN = lifespan

		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer "+ts)
		rr := serve(req)
		So(rr.Code, ShouldEqual, http.StatusUnauthorized)
		So(rr.Body.String(), ShouldContainSubstring, "expired")
	})

	Convey("Tokens signed with another secret are refused", t, func() {
		token := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.StandardClaims{Subject: "mallory"})
		ts, _ := token.SignedString([]byte("not the secret"))

		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer "+ts)
		So(serve(req).Code, ShouldEqual, http.StatusUnauthorized)
	})
}
