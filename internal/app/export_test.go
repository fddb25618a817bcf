package app

var Report = report
