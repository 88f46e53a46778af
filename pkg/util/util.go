/*
Copyright 2019 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package util holds size-math and cloud-endpoint helpers shared by the
// reconciliation layers.
package util

import (
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws/endpoints"

	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	GiB = 1024 * 1024 * 1024
)

// RoundUpBytes rounds up a size in bytes to the next multiple of GiB, in bytes.
func RoundUpBytes(sizeBytes int64) int64 {
	return roundUpSize(sizeBytes, GiB) * GiB
}

// RoundUpGiB rounds up a size in bytes to the next whole GiB.
func RoundUpGiB(sizeBytes int64) int64 {
	return roundUpSize(sizeBytes, GiB)
}

// BytesToGiB converts bytes to whole GiB, truncating.
func BytesToGiB(sizeBytes int64) int64 {
	return sizeBytes / GiB
}

// GiBToBytes converts GiB to bytes.
func GiBToBytes(sizeGiB int64) int64 {
	return sizeGiB * GiB
}

func roundUpSize(volumeSizeBytes int64, allocationUnitBytes int64) int64 {
	return (volumeSizeBytes + allocationUnitBytes - 1) / allocationUnitBytes
}

// OscSetupMetadataResolver points the aws-sdk-go ec2metadata client at the
// Outscale-compatible instance metadata endpoint instead of AWS's.
func OscSetupMetadataResolver() endpoints.ResolverFunc {
	return func(service, region string, optFns ...func(*endpoints.Options)) (endpoints.ResolvedEndpoint, error) {
		return endpoints.ResolvedEndpoint{
			URL:           "http://169.254.169.254/latest",
			SigningRegion: "custom-signing-region",
		}, nil
	}
}

func OscEndpoint(region string, service string) string {
	return "https://" + service + "." + region + ".outscale.com"
}

// OscSetupServiceResolver maps AWS-compatible service IDs onto the
// equivalent Outscale FCU/LBU/EIM endpoints.
func OscSetupServiceResolver(region string) endpoints.ResolverFunc {
	return func(service, region string, optFns ...func(*endpoints.Options)) (endpoints.ResolvedEndpoint, error) {
		supportedService := map[string]string{
			endpoints.Ec2ServiceID:                  "fcu",
			endpoints.ElasticloadbalancingServiceID: "lbu",
			endpoints.IamServiceID:                  "eim",
			endpoints.DirectconnectServiceID:        "directlink",
		}
		if oscService, ok := supportedService[service]; ok {
			return endpoints.ResolvedEndpoint{
				URL:           OscEndpoint(region, oscService),
				SigningRegion: region,
				SigningName:   service,
			}, nil
		}
		return endpoints.DefaultResolver().EndpointFor(service, region, optFns...)
	}
}

// Getenv returns the environment variable named key, or defaultValue if unset.
func Getenv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnv(key string, defaultValue string) string {
	return Getenv(key, defaultValue)
}

// EnvBackoff builds a wait.Backoff from BACKOFF_DURATION (seconds),
// BACKOFF_FACTOR and BACKOFF_STEPS environment variables, falling back to
// conservative defaults for any that are unset or malformed.
func EnvBackoff() wait.Backoff {
	duration, err := strconv.Atoi(getEnv("BACKOFF_DURATION", "1"))
	if err != nil {
		duration = 1
	}

	factor, err := strconv.ParseFloat(getEnv("BACKOFF_FACTOR", "2.0"), 64)
	if err != nil {
		factor = 2.0
	}

	steps, err := strconv.Atoi(getEnv("BACKOFF_STEPS", "8"))
	if err != nil {
		steps = 8
	}

	return wait.Backoff{
		Duration: time.Duration(duration) * time.Second,
		Factor:   factor,
		Steps:    steps,
	}
}
