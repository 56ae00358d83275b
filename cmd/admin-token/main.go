package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/linktrack/backend/internal/auth"
	"github.com/linktrack/backend/internal/config"
	"github.com/linktrack/backend/internal/rbac"
	"go.uber.org/zap"
)

// admin-token prints a signed admin API token for an operator.

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	role := flag.String("role", rbac.RoleOperator, "admin, operator or viewer")
	operator := flag.String("operator", "", "operator id (random when empty)")
	flag.Parse()

	if _, ok := rbac.RolePermissions[*role]; !ok {
		log.Fatal("unknown role", zap.String("role", *role))
	}

	id := uuid.New()
	if *operator != "" {
		parsed, err := uuid.Parse(*operator)
		if err != nil {
			log.Fatal("invalid operator id", zap.Error(err))
		}
		id = parsed
	}

	cfg := config.Load()
	token, err := auth.GenerateJWT(cfg.JWTSecret, id, *role, cfg.JWTExpiration)
	if err != nil {
		log.Fatal("failed to sign token", zap.Error(err))
	}
	fmt.Fprintln(os.Stdout, token)
}
